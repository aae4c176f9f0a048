package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"georelay.dev/relay"
)

type readResult struct {
	data []byte
	err  error
}

// fakeConn stands in for the websocket transport. Reads are scripted
// through in; Close unblocks any pending read.
type fakeConn struct {
	in     chan readResult
	writes chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan readResult, 16),
		writes: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-c.in:
		return websocket.TextMessage, r.data, r.err
	case <-c.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case c.writes <- data:
	default:
	}
	return nil
}

func (c *fakeConn) SetReadLimit(int64)               {}
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func newTestSubscriber(dial Dialer) *Subscriber {
	s := NewSubscriber("ws://relay.test/ws")
	s.dial = dial
	s.backoff = func(int) time.Duration { return time.Millisecond }
	return s
}

type transition struct {
	state   State
	attempt int
}

func recordStates(s *Subscriber) chan transition {
	ch := make(chan transition, 64)
	s.OnState = func(st State, attempt int) {
		ch <- transition{st, attempt}
	}
	return ch
}

func waitState(t *testing.T, ch chan transition, want State) transition {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case tr := <-ch:
			if tr.state == want {
				return tr
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func abnormalClose() readResult {
	return readResult{err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure}}
}

func TestBackoffDelay(t *testing.T) {
	var prev time.Duration
	for n := 1; n <= MaxAttempts; n++ {
		d := backoffDelay(n)
		if d < prev {
			t.Errorf("delay(%d) = %v, shrank below %v", n, d, prev)
		}
		if d > maxDelay {
			t.Errorf("delay(%d) = %v, exceeds cap %v", n, d, maxDelay)
		}
		prev = d
	}

	if got := backoffDelay(1); got != baseDelay {
		t.Errorf("delay(1) = %v, want %v", got, baseDelay)
	}
	if got := backoffDelay(100); got != maxDelay {
		t.Errorf("delay(100) = %v, want cap %v", got, maxDelay)
	}
}

func TestConnectRejectsDuplicate(t *testing.T) {
	var dials int32
	conn := newFakeConn()
	s := newTestSubscriber(func(ctx context.Context, url string) (Conn, error) {
		atomic.AddInt32(&dials, 1)
		return conn, nil
	})

	require.NoError(t, s.Connect("abc"))
	assert.Equal(t, Open, s.State())
	assert.Equal(t, "abc", s.Session())

	require.ErrorIs(t, s.Connect("abc"), ErrInFlight)
	assert.EqualValues(t, 1, atomic.LoadInt32(&dials))

	s.Disconnect()
	assert.Equal(t, Idle, s.State())
	assert.Empty(t, s.Session())
}

func TestConnectFailureStaysIdle(t *testing.T) {
	var dials int32
	s := newTestSubscriber(func(ctx context.Context, url string) (Conn, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("connection refused")
	})

	require.Error(t, s.Connect("abc"))
	assert.Equal(t, Idle, s.State())

	// a failed user-initiated connect must not auto-retry
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&dials))
}

func TestNormalCloseGoesIdle(t *testing.T) {
	var dials int32
	conn := newFakeConn()
	s := newTestSubscriber(func(ctx context.Context, url string) (Conn, error) {
		atomic.AddInt32(&dials, 1)
		return conn, nil
	})
	states := recordStates(s)

	require.NoError(t, s.Connect("abc"))

	conn.in <- readResult{err: &websocket.CloseError{Code: websocket.CloseNormalClosure}}

	waitState(t, states, Idle)
	assert.Equal(t, "abc", s.Session(), "session survives a remote normal close")

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&dials), "normal closure must not retry")
}

func TestAbnormalCloseReconnects(t *testing.T) {
	var mu sync.Mutex
	var conns []*fakeConn
	var dials int32
	dial := func(ctx context.Context, url string) (Conn, error) {
		atomic.AddInt32(&dials, 1)
		c := newFakeConn()
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
		return c, nil
	}

	s := newTestSubscriber(dial)
	states := recordStates(s)

	require.NoError(t, s.Connect("abc"))

	mu.Lock()
	first := conns[0]
	mu.Unlock()
	first.in <- abnormalClose()

	tr := waitState(t, states, Reconnecting)
	assert.Equal(t, 1, tr.attempt)

	waitState(t, states, Open)
	assert.EqualValues(t, 2, atomic.LoadInt32(&dials))

	// the attempt counter reset: a second loss starts at attempt 1 again
	mu.Lock()
	second := conns[1]
	mu.Unlock()
	second.in <- abnormalClose()

	tr = waitState(t, states, Reconnecting)
	assert.Equal(t, 1, tr.attempt)
	waitState(t, states, Open)
}

func TestRetryExhaustionGoesTerminal(t *testing.T) {
	var dials int32
	first := newFakeConn()
	dial := func(ctx context.Context, url string) (Conn, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return first, nil
		}
		return nil, errors.New("connection refused")
	}

	s := newTestSubscriber(dial)
	states := recordStates(s)

	require.NoError(t, s.Connect("abc"))
	first.in <- abnormalClose()

	waitState(t, states, Failed)
	assert.EqualValues(t, 1+MaxAttempts, atomic.LoadInt32(&dials))

	// no sixth automatic attempt, ever
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1+MaxAttempts, atomic.LoadInt32(&dials))
	assert.Equal(t, Failed, s.State())

	// only an explicit connect restarts the machine
	require.Error(t, s.Connect("abc"))
	assert.EqualValues(t, 2+MaxAttempts, atomic.LoadInt32(&dials))
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	var dials int32
	conn := newFakeConn()
	s := newTestSubscriber(func(ctx context.Context, url string) (Conn, error) {
		atomic.AddInt32(&dials, 1)
		return conn, nil
	})
	s.backoff = func(int) time.Duration { return 50 * time.Millisecond }
	states := recordStates(s)

	require.NoError(t, s.Connect("abc"))
	conn.in <- abnormalClose()

	waitState(t, states, Reconnecting)
	s.Disconnect()

	assert.Equal(t, Idle, s.State())
	assert.Empty(t, s.Session())

	// well past the backoff delay, the cancelled timer must not have dialed
	time.Sleep(150 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&dials))
}

func TestPongAndBadFramesTolerated(t *testing.T) {
	conn := newFakeConn()
	s := newTestSubscriber(func(ctx context.Context, url string) (Conn, error) {
		return conn, nil
	})

	updates := make(chan *relay.Update, 4)
	s.OnUpdate = func(u *relay.Update) { updates <- u }

	require.NoError(t, s.Connect("abc"))

	conn.in <- readResult{data: []byte(relay.PongToken)}
	conn.in <- readResult{data: []byte("{not json")}
	b, err := relay.NewUpdate("abc", 51.5, -0.1).Marshal()
	require.NoError(t, err)
	conn.in <- readResult{data: b}

	select {
	case u := <-updates:
		assert.Equal(t, 51.5, u.Lat)
		assert.Equal(t, -0.1, u.Lng)
	case <-time.After(time.Second):
		t.Fatal("update not delivered")
	}

	select {
	case u := <-updates:
		t.Fatalf("unexpected extra update: %+v", u)
	default:
	}

	assert.Equal(t, Open, s.State(), "bad frames must not tear the connection down")
}
