// Package pipeline implements the command pipeline (C4): it multiplexes
// concurrent request futures onto one ordered TCP stream with FIFO reply
// matching, atop a transport.Transport.
//
// 命令管道：将并发请求序列化写入单条 TCP 流，按 FIFO 顺序把回复分发给对应 handler。
// 关键点：写缓冲 + 待处理队列（基于 teacher cluster/peer_client.go 的一问一答，
// 泛化为持续 pipeline，而不是每次请求单独获取/归还连接）。
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"

	"go.uber.org/atomic"

	"github.com/wegjgwioj/respgo/resp"
	"github.com/wegjgwioj/respgo/transport"
)

// Handler receives the complete RESP value replying to one enqueued
// command. It may type-switch on v to distinguish a server error
// (*resp.Error) from a successful reply.
type Handler func(v resp.Value)

type pending struct {
	nBytes  int
	handler Handler
}

// DefaultReadSize is the default chunk size read per wire operation,
// matching the original's DEFAULT_READ_SIZE (spec §6 "Configuration
// knobs"); overridable via WithReadSize.
const DefaultReadSize = 1024

// Pipeline owns the write buffer and the FIFO queue of pending handlers for
// one transport session (spec §3 "Pending request").
type Pipeline struct {
	tr       *transport.Transport
	logger   *log.Logger
	readSize int

	mu       sync.Mutex
	writeBuf bytes.Buffer
	queue    []pending
	sending  atomic.Bool
	readBuf  []byte
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithLogger overrides the default logger (log.Default()).
func WithLogger(l *log.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithReadSize overrides the chunk size read per wire operation (default
// DefaultReadSize).
func WithReadSize(n int) Option {
	return func(p *Pipeline) { p.readSize = n }
}

// New creates a Pipeline driving tr. It registers itself as tr's
// stream-closed observer so pending handlers are failed (see
// DESIGN.md Part 4.2) rather than stranded across a reconnect.
func New(tr *transport.Transport, opts ...Option) *Pipeline {
	p := &Pipeline{tr: tr, logger: log.Default(), readSize: DefaultReadSize}
	for _, opt := range opts {
		opt(p)
	}
	tr.SetOnStreamClosed(func(err error) {
		p.failAll(fmt.Errorf("connection lost: %w", err))
	})
	return p
}

// EncodeCommand serializes a command as a RESP Array of BulkStrings.
//
// Each arg may be a string, []byte, any integer type, float64 (serialized
// as its decimal string form), or a pre-built resp.Value (serialized via
// its own Bytes()). Numeric arguments are encoded as BulkStrings of their
// decimal form — NOT as RESP Integer frames. spec.md §9 flags the original
// C++ implementation's integer path as emitting RESP Integer frames for
// command arguments, which most RESP servers reject; this is the corrected
// behavior the spec calls for.
func EncodeCommand(args ...interface{}) []byte {
	items := make([]resp.Value, len(args))
	for i, a := range args {
		items[i] = argToValue(a)
	}
	return resp.NewArray(items...).Bytes()
}

func argToValue(a interface{}) resp.Value {
	switch v := a.(type) {
	case resp.Value:
		return v
	case string:
		return resp.NewBulkString([]byte(v))
	case []byte:
		return resp.NewBulkString(v)
	case int:
		return resp.NewBulkString([]byte(strconv.Itoa(v)))
	case int32:
		return resp.NewBulkString([]byte(strconv.FormatInt(int64(v), 10)))
	case int64:
		return resp.NewBulkString([]byte(strconv.FormatInt(v, 10)))
	case uint64:
		return resp.NewBulkString([]byte(strconv.FormatUint(v, 10)))
	case float64:
		return resp.NewBulkString([]byte(strconv.FormatFloat(v, 'f', -1, 64)))
	default:
		return resp.NewBulkString([]byte(fmt.Sprint(v)))
	}
}

// Write enqueues a command and arranges for handler to be invoked with the
// reply in FIFO order relative to every other Write call. It never blocks.
func (p *Pipeline) Write(handler Handler, args ...interface{}) *Pipeline {
	encoded := EncodeCommand(args...)

	p.mu.Lock()
	p.writeBuf.Write(encoded)
	p.queue = append(p.queue, pending{nBytes: len(encoded), handler: handler})
	alreadySending := p.sending.Swap(true)
	p.mu.Unlock()

	if !alreadySending {
		go p.pump()
	}
	return p
}

// pump drives the transmission loop (spec §4.4): write the accumulated
// buffer, read and parse replies, dispatch to the queue head, and repeat
// until the queue drains.
func (p *Pipeline) pump() {
	ctx := context.Background()
	defer p.sending.Store(false)
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.sending.Store(false)
			p.mu.Unlock()
			return
		}
		out := append([]byte(nil), p.writeBuf.Bytes()...)
		p.writeBuf.Reset()
		p.mu.Unlock()

		if len(out) > 0 {
			if !p.writeAll(ctx, out) {
				return
			}
		}

		if !p.readOneReply(ctx) {
			return
		}
	}
}

func (p *Pipeline) writeAll(ctx context.Context, out []byte) bool {
	nc, gen, err := p.tr.Acquire(ctx)
	if err != nil {
		p.sending.Store(false)
		return false
	}
	_ = nc.SetWriteDeadline(p.tr.Deadline())
	for len(out) > 0 {
		n, err := nc.Write(out)
		if err != nil {
			p.tr.ReportError(gen, err)
			p.sending.Store(false)
			return false
		}
		out = out[n:]
	}
	return true
}

// readOneReply reads from the wire until the parser completes one value,
// then pops the queue head and invokes its handler with that value. It
// returns false if the pump loop should stop (transport closed/broken).
func (p *Pipeline) readOneReply(ctx context.Context) bool {
	for {
		p.mu.Lock()
		var parser resp.Parser
		n, err := parser.Parse(p.readBuf)
		if err != nil {
			p.mu.Unlock()
			p.logger.Printf("pipeline: protocol error: %v", err)
			p.failAll(err)
			return false
		}
		if !parser.NeedMore {
			p.readBuf = p.readBuf[n:]
			val := parser.Value
			if len(p.queue) == 0 {
				p.mu.Unlock()
				return true
			}
			head := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			head.handler(val)
			return true
		}
		p.mu.Unlock()

		nc, gen, err := p.tr.Acquire(ctx)
		if err != nil {
			return false
		}
		_ = nc.SetReadDeadline(p.tr.Deadline())
		chunk := make([]byte, p.readSize)
		n, err := nc.Read(chunk)
		if err != nil {
			p.tr.ReportError(gen, err)
			return false
		}
		p.mu.Lock()
		p.readBuf = append(p.readBuf, chunk[:n]...)
		p.mu.Unlock()
	}
}

// failAll synchronously invokes every pending handler with a synthesized
// aborted-request error and clears the queue (spec.md §9's recommended fix
// for stranded handlers — see DESIGN.md Part 4.2).
func (p *Pipeline) failAll(cause error) {
	p.mu.Lock()
	queue := p.queue
	p.queue = nil
	p.writeBuf.Reset()
	p.readBuf = nil
	p.sending.Store(false)
	p.mu.Unlock()

	errVal := resp.NewError("ERR " + cause.Error())
	for _, pd := range queue {
		pd.handler(errVal)
	}
}

// Close fails every pending handler and releases the pipeline; it does not
// close the underlying transport, which may be shared with a pub-sub
// session.
func (p *Pipeline) Close() {
	p.failAll(transport.ErrClosed)
}
