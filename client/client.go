// Package client provides the public façade (C6): ergonomic constructors
// over a transport.Transport shared by a command pipeline (C4) and an
// optional pub-sub session (C5).
//
// 对外门面：组合 transport/pipeline/pubsub，提供 Connect 的同步/异步变体，
// 以及 on_stream_closed/on_reconnect 回调的转发。
// 关键点：Grounded on teacher's server.NewServer constructor shape
// (cmd/test_client and cmd/eval_client show the matching call-site idiom)
// and original_source's redis_client.h dual stream/subscribed_stream API.
package client

import (
	"context"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wegjgwioj/respgo/pipeline"
	"github.com/wegjgwioj/respgo/pubsub"
	"github.com/wegjgwioj/respgo/resp"
	"github.com/wegjgwioj/respgo/transport"
)

// config collects the options applicable across the transport, pipeline,
// and pub-sub layers a Client wires together.
type config struct {
	transportOpts []transport.Option
	readSize      int
}

// Option configures a Client at construction time.
type Option func(*config)

// WithLogger, WithDialTimeout, WithOpTimeout, WithBackOff forward to the
// underlying transport.Transport so callers need not import the transport
// package directly for common configuration.
func WithLogger(l *log.Logger) Option {
	return func(c *config) { c.transportOpts = append(c.transportOpts, transport.WithLogger(l)) }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *config) { c.transportOpts = append(c.transportOpts, transport.WithDialTimeout(d)) }
}

func WithOpTimeout(d time.Duration) Option {
	return func(c *config) { c.transportOpts = append(c.transportOpts, transport.WithOpTimeout(d)) }
}

func WithBackOff(b backoff.BackOff) Option {
	return func(c *config) { c.transportOpts = append(c.transportOpts, transport.WithBackOff(b)) }
}

// WithReadSize overrides the chunk size the command pipeline and pub-sub
// session read per wire operation (default pipeline.DefaultReadSize).
func WithReadSize(n int) Option {
	return func(c *config) { c.readSize = n }
}

// Client is the command-stream façade: one transport, one pipeline, and a
// lazily-created pub-sub session shared over the same connection.
type Client struct {
	tr       *transport.Transport
	p        *pipeline.Pipeline
	readSize int

	ps *pubsub.Session
}

// New constructs a Client bound to addr ("host:port"). It does not dial;
// call Connect or ConnectAsync.
func New(addr string, opts ...Option) *Client {
	cfg := &config{readSize: pipeline.DefaultReadSize}
	for _, opt := range opts {
		opt(cfg)
	}
	tr := transport.New(addr, cfg.transportOpts...)
	return &Client{
		tr:       tr,
		p:        pipeline.New(tr, pipeline.WithReadSize(cfg.readSize)),
		readSize: cfg.readSize,
	}
}

// Connect splits hostport on its single colon and dials synchronously.
func Connect(ctx context.Context, hostport string, opts ...Option) (*Client, error) {
	c := New(hostport, opts...)
	if err := c.tr.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ConnectHostPort dials host:port synchronously, matching the original
// library's two-argument connect overload (spec §4.6).
func ConnectHostPort(ctx context.Context, host string, port int, opts ...Option) (*Client, error) {
	return Connect(ctx, net.JoinHostPort(host, strconv.Itoa(port)), opts...)
}

// ConnectAsync dials in a background goroutine and invokes cb with the
// resulting Client (nil on failure) and error once the attempt completes.
func ConnectAsync(ctx context.Context, hostport string, cb func(*Client, error), opts ...Option) {
	c := New(hostport, opts...)
	c.tr.ConnectAsync(ctx, func(err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		cb(c, nil)
	})
}

// Do enqueues a command and invokes handler with its reply in FIFO order
// relative to every other Do/Write call on this Client. It never blocks.
func (c *Client) Do(handler pipeline.Handler, args ...interface{}) *Client {
	c.p.Write(handler, args...)
	return c
}

// PubSub returns the lazily-created pub-sub session sharing this Client's
// transport (spec §4.6: command stream and subscription stream are
// distinct faces over one connection).
func (c *Client) PubSub() *pubsub.Session {
	if c.ps == nil {
		c.ps = pubsub.New(c.tr, pubsub.WithReadSize(c.readSize))
	}
	return c.ps
}

// SetOnStreamClosed registers a callback invoked whenever the underlying
// connection is lost (not on an intentional Close).
func (c *Client) SetOnStreamClosed(cb func(error)) { c.tr.SetOnStreamClosed(cb) }

// SetOnReconnect registers a callback invoked once a lost connection has
// been re-established.
func (c *Client) SetOnReconnect(cb func()) { c.tr.SetOnReconnect(cb) }

// Connected reports whether the Client currently holds a live connection;
// the Go equivalent of the original type's `operator bool()` truthiness
// check (spec §9 supplemented feature).
func (c *Client) Connected() bool { return c.tr.Connected() }

// SessionID returns the transport's stable correlation id.
func (c *Client) SessionID() string { return c.tr.SessionID() }

// Close releases the pipeline (failing any pending handlers), stops the
// pub-sub session if one was created, and closes the transport.
func (c *Client) Close() error {
	c.p.Close()
	if c.ps != nil {
		c.ps.Close()
	}
	return c.tr.Close()
}

// ResultAsString is a convenience extractor for callers that expect a bulk
// string or simple string reply and want its payload without a type
// switch; it returns ok=false for any other reply shape (including
// *resp.Error, which callers should check for explicitly via a type
// assertion when precise error handling matters).
func ResultAsString(v resp.Value) (s string, ok bool) {
	switch r := v.(type) {
	case *resp.BulkString:
		if r.Null {
			return "", false
		}
		return string(r.Data), true
	case *resp.SimpleString:
		return r.Value, true
	default:
		return "", false
	}
}
