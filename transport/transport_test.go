// 传输层测试：验证连接建立、断线重连与关闭后不再重连。
package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startEchoListener(t *testing.T) (addr string, accept chan net.Conn, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accept = make(chan net.Conn, 8)
	done := make(chan struct{})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			select {
			case accept <- c:
			case <-done:
				c.Close()
				return
			}
		}
	}()
	return ln.Addr().String(), accept, func() {
		close(done)
		ln.Close()
	}
}

func TestConnectAndClose(t *testing.T) {
	addr, accept, stop := startEchoListener(t)
	defer stop()

	tr := New(addr)
	require.NoError(t, tr.Connect(context.Background()))
	<-accept

	require.True(t, tr.Connected())
	require.NoError(t, tr.Close())
	require.False(t, tr.Connected())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err := tr.Acquire(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestReconnectAfterServerSideClose(t *testing.T) {
	addr, accept, stop := startEchoListener(t)
	defer stop()

	var closedErrs []error
	reconnected := make(chan struct{}, 1)

	tr := New(addr, WithBackOff(zeroBackOff{}))
	tr.SetOnStreamClosed(func(err error) { closedErrs = append(closedErrs, err) })
	tr.SetOnReconnect(func() { reconnected <- struct{}{} })

	require.NoError(t, tr.Connect(context.Background()))
	serverSide := <-accept

	nc, gen, err := tr.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, nc)

	serverSide.Close()
	tr.ReportError(gen, errFakeReset)

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnect")
	}
	<-accept // the reconnect dial

	require.Len(t, closedErrs, 1)
	require.True(t, tr.Connected())
}

func TestMultipleObserversAllFire(t *testing.T) {
	// SetOnStreamClosed/SetOnReconnect must be additive: an internal
	// component's hook (e.g. pipeline's failAll, pubsub's resubscribe)
	// must not be clobbered by a later caller registering its own.
	addr, accept, stop := startEchoListener(t)
	defer stop()

	tr := New(addr, WithBackOff(zeroBackOff{}))

	var mu sync.Mutex
	var closedCalls, reconnectCalls int
	tr.SetOnStreamClosed(func(err error) {
		mu.Lock()
		closedCalls++
		mu.Unlock()
	})
	tr.SetOnStreamClosed(func(err error) {
		mu.Lock()
		closedCalls++
		mu.Unlock()
	})

	reconnected := make(chan struct{}, 1)
	tr.SetOnReconnect(func() {
		mu.Lock()
		reconnectCalls++
		mu.Unlock()
	})
	tr.SetOnReconnect(func() {
		mu.Lock()
		reconnectCalls++
		mu.Unlock()
		reconnected <- struct{}{}
	})

	require.NoError(t, tr.Connect(context.Background()))
	serverSide := <-accept

	nc, gen, err := tr.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, nc)

	serverSide.Close()
	tr.ReportError(gen, errFakeReset)

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnect")
	}
	<-accept // the reconnect dial

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, closedCalls)
	require.Equal(t, 2, reconnectCalls)
}

func TestReportErrorIgnoresStaleGeneration(t *testing.T) {
	addr, accept, stop := startEchoListener(t)
	defer stop()

	tr := New(addr)
	require.NoError(t, tr.Connect(context.Background()))
	<-accept

	_, gen, err := tr.Acquire(context.Background())
	require.NoError(t, err)

	// Reporting a generation older than the current one must be a no-op.
	tr.ReportError(gen-1, errFakeReset) // the generation before the live one
	require.True(t, tr.Connected())
}

var errFakeReset = &net.OpError{Op: "read", Err: errClosedForTest{}}

type errClosedForTest struct{}

func (errClosedForTest) Error() string { return "connection reset by peer (test)" }

// zeroBackOff retries immediately, keeping reconnect tests fast.
type zeroBackOff struct{}

func (zeroBackOff) NextBackOff() time.Duration { return 0 }
func (zeroBackOff) Reset()                     {}
