// RESP 值模型测试：覆盖序列化往返、空值、混合类型数组与分片输入。
// 目标：确保 Parse(Bytes(v)) == v，且增量解析在任意切分下都能正确恢复。
package resp

import (
	"bytes"
	"testing"
)

func TestSimpleStringRoundTrip(t *testing.T) {
	v := NewSimpleString("OK")
	data := v.Bytes()
	if string(data) != "+OK\r\n" {
		t.Fatalf("unexpected bytes: %q", data)
	}
	got, n, err := ParseValue(data)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if n != len(data) {
		t.Fatalf("expected consumed %d, got %d", len(data), n)
	}
	ss, ok := got.(*SimpleString)
	if !ok || ss.Value != "OK" {
		t.Fatalf("unexpected value: %#v", got)
	}
}

func TestNullBulkString(t *testing.T) {
	v := NewNullBulkString()
	data := v.Bytes()
	if string(data) != "$-1\r\n" {
		t.Fatalf("unexpected bytes: %q", data)
	}
	got, n, err := ParseValue(data)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected consumed 5, got %d", n)
	}
	bs, ok := got.(*BulkString)
	if !ok || !bs.Null {
		t.Fatalf("expected null bulk string, got %#v", got)
	}
}

func TestBulkStringWithEmbeddedCRLF(t *testing.T) {
	payload := []byte("foo\r\nbar")
	v := NewBulkString(payload)
	data := v.Bytes()
	got, n, err := ParseValue(data)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if n != len(data) {
		t.Fatalf("expected consumed %d, got %d", len(data), n)
	}
	bs := got.(*BulkString)
	if !bytes.Equal(bs.Data, payload) {
		t.Fatalf("expected %q, got %q", payload, bs.Data)
	}
}

func TestEmptyArray(t *testing.T) {
	v := NewArray()
	data := v.Bytes()
	if string(data) != "*0\r\n" {
		t.Fatalf("unexpected bytes: %q", data)
	}
	got, n, err := ParseValue(data)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if n != len(data) {
		t.Fatalf("expected consumed %d, got %d", len(data), n)
	}
	arr := got.(*Array)
	if len(arr.Items) != 0 {
		t.Fatalf("expected no items, got %d", len(arr.Items))
	}
}

func TestNullArray(t *testing.T) {
	v := NewNullArray()
	data := v.Bytes()
	if string(data) != "*-1\r\n" {
		t.Fatalf("unexpected bytes: %q", data)
	}
	got, _, err := ParseValue(data)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if !got.(*Array).Null {
		t.Fatalf("expected null array")
	}
}

// TestArrayOfMixedTypes is scenario 3 from spec.md §8:
// *2\r\n$3\r\nfoo\r\n:42\r\n -> Array[BulkString("foo"), Integer(42)], consumed 18.
func TestArrayOfMixedTypes(t *testing.T) {
	data := []byte("*2\r\n$3\r\nfoo\r\n:42\r\n")
	got, n, err := ParseValue(data)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if n != 18 {
		t.Fatalf("expected consumed 18, got %d", n)
	}
	arr, ok := got.(*Array)
	if !ok || len(arr.Items) != 2 {
		t.Fatalf("unexpected value: %#v", got)
	}
	bs, ok := arr.Items[0].(*BulkString)
	if !ok || string(bs.Data) != "foo" {
		t.Fatalf("unexpected item 0: %#v", arr.Items[0])
	}
	in, ok := arr.Items[1].(*Integer)
	if !ok || in.Value != 42 {
		t.Fatalf("unexpected item 1: %#v", arr.Items[1])
	}
}

func TestParseValueSkipsLeadingGarbage(t *testing.T) {
	data := append([]byte("\x00\x00"), []byte("+OK\r\n")...)
	got, n, err := ParseValue(data)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if n != len(data) {
		t.Fatalf("expected consumed %d, got %d", len(data), n)
	}
	if got.(*SimpleString).Value != "OK" {
		t.Fatalf("unexpected value: %#v", got)
	}
}

// TestIncrementalParsingAnyChunking is the property from spec.md §8:
// for any split of serialized bytes into N chunks, feeding chunks
// sequentially yields the same final value.
func TestIncrementalParsingAnyChunking(t *testing.T) {
	original := NewArray(
		NewBulkString([]byte("SET")),
		NewBulkString([]byte("my_key")),
		NewBulkString([]byte("my_value")),
	)
	data := original.Bytes()

	for chunkSize := 1; chunkSize <= len(data); chunkSize++ {
		var parser Parser
		var buf []byte
		pos := 0
		for pos < len(data) {
			end := pos + chunkSize
			if end > len(data) {
				end = len(data)
			}
			buf = append(buf, data[pos:end]...)
			pos = end

			n, err := parser.Parse(buf)
			if err != nil {
				t.Fatalf("chunkSize=%d: parse error: %v", chunkSize, err)
			}
			if parser.NeedMore {
				continue
			}
			if n != len(buf) {
				t.Fatalf("chunkSize=%d: expected consumed %d, got %d", chunkSize, len(buf), n)
			}
			arr, ok := parser.Value.(*Array)
			if !ok || len(arr.Items) != 3 {
				t.Fatalf("chunkSize=%d: unexpected value %#v", chunkSize, parser.Value)
			}
			if string(arr.Items[1].(*BulkString).Data) != "my_key" {
				t.Fatalf("chunkSize=%d: unexpected items %#v", chunkSize, arr.Items)
			}
			break
		}
		if pos != len(data) && !parser.NeedMore {
			t.Fatalf("chunkSize=%d: parser stopped without consuming full input", chunkSize)
		}
	}
}

func TestParserMultiFrameBuffer(t *testing.T) {
	one := NewSimpleString("OK").Bytes()
	two := NewInteger(42).Bytes()
	buf := append(append([]byte{}, one...), two...)

	var parser Parser
	n, err := parser.Parse(buf)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if n != len(one) {
		t.Fatalf("expected consumed %d, got %d", len(one), n)
	}
	buf = buf[n:]

	n, err = parser.Parse(buf)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if n != len(two) {
		t.Fatalf("expected consumed %d, got %d", len(two), n)
	}
	if parser.Value.(*Integer).Value != 42 {
		t.Fatalf("unexpected value: %#v", parser.Value)
	}
}
