// Package pubsub implements the pub-sub session (C5): a subscription
// registry, push-message dispatch, and transparent resubscription atop an
// auto-reconnecting transport.Transport.
//
// 发布订阅会话：维护订阅表（handlers/meta），解析服务端推送帧并按 topic 分发，
// 断线重连后自动重新 SUBSCRIBE/PSUBSCRIBE。
// 关键点：Grounded on original_source/src/subscribed_stream.cc's
// subscribe/unsubscribe/resubscribe/on_read shape (the teacher repo has no
// pub-sub *client*, only a PUBLISH/SUBSCRIBE server command table — see
// DESIGN.md Part 1).
package pubsub

import (
	"bytes"
	"context"
	"log"
	"strings"
	"sync"

	"go.uber.org/atomic"

	"github.com/wegjgwioj/respgo/pipeline"
	"github.com/wegjgwioj/respgo/resp"
	"github.com/wegjgwioj/respgo/transport"
)

// MessageHandler receives a push message: the delivered channel (for a
// plain subscription this is the subscribed topic itself; for a pattern
// subscription it is the concrete channel the server matched) and the
// payload.
type MessageHandler func(channel string, payload []byte)

type kind int

const (
	kindPlain kind = iota
	kindPattern
)

// DefaultReadSize is the default chunk size read per wire operation,
// matching the original's DEFAULT_READ_SIZE (spec §6 "Configuration
// knobs"); overridable via WithReadSize.
const DefaultReadSize = 1024

// Session is the pub-sub session (C5).
type Session struct {
	tr       *transport.Transport
	logger   *log.Logger
	readSize int

	mu       sync.Mutex
	handlers map[string]MessageHandler
	meta     map[string]kind

	writeBuf []byte
	readBuf  []byte

	writing atomic.Bool
	reading atomic.Bool
	started atomic.Bool
	closed  atomic.Bool
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithLogger overrides the default logger (log.Default()).
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithReadSize overrides the chunk size read per wire operation (default
// DefaultReadSize).
func WithReadSize(n int) Option {
	return func(s *Session) { s.readSize = n }
}

// New creates a Session driving tr. It registers itself as tr's
// on-reconnect observer so existing subscriptions survive a lost
// connection (spec §4.5 "Resubscribe on reconnect"). Registration is
// additive (transport.SetOnReconnect fans out to every registered
// observer), so a caller registering its own on-reconnect callback via
// Session's embedding Client does not disturb resubscription.
func New(tr *transport.Transport, opts ...Option) *Session {
	s := &Session{
		tr:       tr,
		logger:   log.Default(),
		readSize: DefaultReadSize,
		handlers: make(map[string]MessageHandler),
		meta:     make(map[string]kind),
	}
	for _, opt := range opts {
		opt(s)
	}
	tr.SetOnReconnect(s.onTransportReconnect)
	return s
}

// Subscribe registers cb for topic and issues SUBSCRIBE.
func (s *Session) Subscribe(topic string, cb MessageHandler) {
	s.register(topic, kindPlain, cb)
	s.enqueue(pipeline.EncodeCommand("SUBSCRIBE", topic))
}

// PSubscribe registers cb for a glob pattern and issues PSUBSCRIBE. Pattern
// matching itself is performed server-side; the client only tracks the
// pattern string as the dispatch key (spec §4.5).
func (s *Session) PSubscribe(topic string, cb MessageHandler) {
	s.register(topic, kindPattern, cb)
	s.enqueue(pipeline.EncodeCommand("PSUBSCRIBE", topic))
}

func (s *Session) register(topic string, k kind, cb MessageHandler) {
	s.mu.Lock()
	s.handlers[topic] = cb
	s.meta[topic] = k
	s.mu.Unlock()
	s.ensureLoopsRunning()
}

// Unsubscribe removes topic's registration and issues
// UNSUBSCRIBE/PUNSUBSCRIBE matching the kind it was registered with. It
// returns false, mutating nothing, if topic was never subscribed.
func (s *Session) Unsubscribe(topic string) bool {
	s.mu.Lock()
	k, ok := s.meta[topic]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.meta, topic)
	delete(s.handlers, topic)
	s.mu.Unlock()

	cmd := "UNSUBSCRIBE"
	if k == kindPattern {
		cmd = "PUNSUBSCRIBE"
	}
	s.enqueue(pipeline.EncodeCommand(cmd, topic))
	return true
}

func (s *Session) enqueue(encoded []byte) {
	s.mu.Lock()
	s.writeBuf = append(s.writeBuf, encoded...)
	s.mu.Unlock()
	s.kickWriter()
}

func (s *Session) ensureLoopsRunning() {
	if s.started.CompareAndSwap(false, true) {
		s.kickReader()
	}
}

// kickWriter starts the write-drain loop if one isn't already running.
// The guard sets writing=true before starting (correcting the C++
// original's apparent bug of setting it back to false immediately after
// the guard — see DESIGN.md Part 4.3).
func (s *Session) kickWriter() {
	if s.closed.Load() {
		return
	}
	if !s.writing.CompareAndSwap(false, true) {
		return
	}
	go s.writeLoop()
}

func (s *Session) writeLoop() {
	ctx := context.Background()
	for {
		s.mu.Lock()
		out := s.writeBuf
		s.writeBuf = nil
		s.mu.Unlock()

		if len(out) == 0 {
			s.writing.Store(false)
			return
		}

		nc, gen, err := s.tr.Acquire(ctx)
		if err != nil {
			s.writing.Store(false)
			return
		}
		_ = nc.SetWriteDeadline(s.tr.Deadline())
		for len(out) > 0 {
			n, err := nc.Write(out)
			if err != nil {
				s.tr.ReportError(gen, err)
				s.writing.Store(false)
				return
			}
			out = out[n:]
		}
	}
}

func (s *Session) kickReader() {
	if s.closed.Load() {
		return
	}
	if !s.reading.CompareAndSwap(false, true) {
		return
	}
	go s.readLoop()
}

func (s *Session) readLoop() {
	defer s.reading.Store(false)
	ctx := context.Background()
	for {
		if s.closed.Load() {
			return
		}

		s.mu.Lock()
		var parser resp.Parser
		n, err := parser.Parse(s.readBuf)
		if err == nil && !parser.NeedMore {
			s.readBuf = s.readBuf[n:]
			s.mu.Unlock()
			s.dispatch(parser.Value)
			continue
		}
		if err != nil {
			s.mu.Unlock()
			s.logger.Printf("pubsub: protocol error: %v", err)
			return
		}
		s.mu.Unlock()

		nc, gen, err := s.tr.Acquire(ctx)
		if err != nil {
			return
		}
		_ = nc.SetReadDeadline(s.tr.Deadline())
		chunk := make([]byte, s.readSize)
		rn, err := nc.Read(chunk)
		if err != nil {
			s.tr.ReportError(gen, err)
			return
		}
		s.mu.Lock()
		s.readBuf = append(s.readBuf, chunk[:rn]...)
		s.mu.Unlock()
	}
}

// dispatch interprets v as a push frame (spec §4.5) and invokes the
// matching handler. Non-push frames (subscribe/unsubscribe
// acknowledgements, errors, integers) are silently ignored.
func (s *Session) dispatch(v resp.Value) {
	arr, ok := v.(*resp.Array)
	if !ok || arr.Null {
		return
	}
	items := arr.Items
	if len(items) < 3 {
		return
	}
	typ, ok := items[0].(*resp.BulkString)
	if !ok || typ.Null || !strings.HasSuffix(strings.ToLower(string(typ.Data)), "message") {
		return
	}

	var dispatchKey, deliveredChannel string
	var payload []byte
	switch len(items) {
	case 3:
		// message: [type, channel, payload]
		ch, ok1 := items[1].(*resp.BulkString)
		pl, ok2 := items[2].(*resp.BulkString)
		if !ok1 || !ok2 || ch.Null || pl.Null {
			return
		}
		dispatchKey = string(ch.Data)
		deliveredChannel = dispatchKey
		payload = pl.Data
	case 4:
		// pmessage: [type, pattern, channel, payload]
		pattern, ok1 := items[1].(*resp.BulkString)
		ch, ok2 := items[2].(*resp.BulkString)
		pl, ok3 := items[3].(*resp.BulkString)
		if !ok1 || !ok2 || !ok3 || pattern.Null || ch.Null || pl.Null {
			return
		}
		dispatchKey = string(pattern.Data)
		deliveredChannel = string(ch.Data)
		payload = pl.Data
	default:
		return
	}

	s.mu.Lock()
	cb, ok := s.handlers[dispatchKey]
	s.mu.Unlock()
	if ok {
		cb(deliveredChannel, payload)
	}
}

// onTransportReconnect reissues SUBSCRIBE/PSUBSCRIBE for every topic still
// present in meta, then restarts the read and write loops (spec §4.5). The
// iteration order over meta is unspecified, matching spec.md's note that
// resubscribe ordering should not be relied upon.
func (s *Session) onTransportReconnect() {
	s.mu.Lock()
	var buf bytes.Buffer
	for topic, k := range s.meta {
		cmd := "SUBSCRIBE"
		if k == kindPattern {
			cmd = "PSUBSCRIBE"
		}
		buf.Write(pipeline.EncodeCommand(cmd, topic))
	}
	s.mu.Unlock()

	if buf.Len() > 0 {
		s.enqueue(buf.Bytes())
	}
	s.started.Store(false)
	s.ensureLoopsRunning()
}

// Connected reports whether the underlying transport currently holds a
// live connection; the Go equivalent of the original type's
// `operator bool()` truthiness check (spec §9 supplemented feature).
func (s *Session) Connected() bool { return s.tr.Connected() }

// Close marks the session closed: the read loop exits at its next
// iteration and no new read or write loop is started, while a write loop
// already running finishes sending what is buffered. Subscription callbacks
// are not notified; unlike the pipeline's pending requests, they have no
// outstanding reply to fail (see DESIGN.md Part 4.5).
func (s *Session) Close() {
	s.closed.Store(true)
}
