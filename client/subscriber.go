package client

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"georelay.dev/logger"
	"georelay.dev/relay"
)

// State is the subscriber's connection lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return "unknown"
}

const (
	// MaxAttempts bounds the automatic reconnect budget. After this many
	// consecutive failures the subscriber goes terminal until an explicit
	// Connect.
	MaxAttempts = 5

	connectTimeout = 10 * time.Second
	heartbeatEvery = 30 * time.Second
	baseDelay      = 3 * time.Second
	growthFactor   = 1.5
	maxDelay       = 45 * time.Second

	// Time allowed to write a message to the relay.
	writeWait = 10 * time.Second

	// The relay answers each heartbeat within heartbeatEvery, so a silent
	// connection this long is dead.
	readWait = 90 * time.Second

	// Maximum message size allowed from the relay.
	maxMessageSize = 512
)

var (
	// ErrInFlight means Connect was called while a connection attempt or an
	// open connection already exists for this subscriber.
	ErrInFlight = errors.New("connect already in flight")

	// ErrSuperseded means the attempt was cancelled by a disconnect or a
	// newer connect before it completed.
	ErrSuperseded = errors.New("connect superseded")
)

// Conn is the subset of the websocket connection the subscriber drives.
// *websocket.Conn satisfies it; tests substitute their own.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens the transport for one attempt.
type Dialer func(ctx context.Context, url string) (Conn, error)

func defaultDial(ctx context.Context, url string) (Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Subscriber maintains one persistent channel to the relay for one session
// id, reconnecting with bounded backoff when an established connection is
// lost abnormally.
//
// Every transport attempt is tagged with an epoch; callbacks and timers
// referencing a stale epoch are ignored, so a late close or error from an
// abandoned connection cannot corrupt the current attempt.
type Subscriber struct {
	// OnUpdate receives each coordinate update. Called from the read loop.
	OnUpdate func(*relay.Update)
	// OnState receives lifecycle transitions with the reconnect attempt
	// number (zero outside Reconnecting).
	OnState func(State, int)

	endpoint string
	dial     Dialer
	backoff  func(attempt int) time.Duration

	mtx      sync.Mutex
	state    State
	session  string
	epoch    int
	attempts int
	conn     Conn
	retry    *time.Timer
}

// NewSubscriber takes the subscribe endpoint base, e.g. ws://host:8000/ws.
// The session id is appended as a path segment on each attempt.
func NewSubscriber(endpoint string) *Subscriber {
	return &Subscriber{
		endpoint: endpoint,
		dial:     defaultDial,
		backoff:  backoffDelay,
		state:    Idle,
	}
}

// State returns the current lifecycle state.
func (s *Subscriber) State() State {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

// Session returns the remembered session id, empty when disconnected.
func (s *Subscriber) Session() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.session
}

// Connect establishes the channel for session, blocking until the transport
// opens or the attempt fails (at most connectTimeout). A failed initial
// connect returns the error and stays Idle; it does not auto-retry. Calling
// Connect while Connecting or Open is a no-op returning ErrInFlight.
func (s *Subscriber) Connect(session string) error {
	s.mtx.Lock()
	if s.state == Connecting || s.state == Open {
		s.mtx.Unlock()
		return ErrInFlight
	}
	s.cancelRetryLocked()
	s.session = session
	s.attempts = 0
	s.epoch++
	epoch := s.epoch
	s.state = Connecting
	s.mtx.Unlock()
	s.notify(Connecting, 0)

	conn, err := s.dialSession(session)

	s.mtx.Lock()
	if epoch != s.epoch {
		s.mtx.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrSuperseded
	}
	if err != nil {
		s.state = Idle
		s.mtx.Unlock()
		s.notify(Idle, 0)
		return err
	}
	s.conn = conn
	s.state = Open
	s.mtx.Unlock()
	s.notify(Open, 0)

	go s.readLoop(epoch, conn)
	go s.heartbeatLoop(epoch, conn)
	return nil
}

// Disconnect closes the channel with a normal closure, cancels any pending
// reconnect and clears the remembered session id.
func (s *Subscriber) Disconnect() {
	s.mtx.Lock()
	s.epoch++
	s.cancelRetryLocked()
	if s.conn != nil {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
		s.conn = nil
	}
	s.session = ""
	s.attempts = 0
	changed := s.state != Idle
	s.state = Idle
	s.mtx.Unlock()

	if changed {
		s.notify(Idle, 0)
	}
}

func (s *Subscriber) dialSession(session string) (Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return s.dial(ctx, s.endpoint+"/"+session)
}

func (s *Subscriber) readLoop(epoch int, conn Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(epoch, err)
			return
		}

		conn.SetReadDeadline(time.Now().Add(readWait))

		// heartbeat acknowledgement, not coordinate state
		if string(msg) == relay.PongToken {
			continue
		}

		u, err := relay.ParseUpdate(msg)
		if err != nil {
			logger.Logger.Warn("bad frame dropped", zap.Error(err))
			continue
		}

		if s.OnUpdate != nil {
			s.OnUpdate(u)
		}
	}
}

func (s *Subscriber) heartbeatLoop(epoch int, conn Conn) {
	t := time.NewTicker(heartbeatEvery)
	defer t.Stop()

	for range t.C {
		s.mtx.Lock()
		stale := epoch != s.epoch
		s.mtx.Unlock()
		if stale {
			return
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(relay.PingToken)); err != nil {
			// the read loop will see the broken connection
			return
		}
	}
}

// handleClose runs the close-code split for an established connection:
// normal closure goes back to Idle, anything else starts the retry path.
func (s *Subscriber) handleClose(epoch int, err error) {
	s.mtx.Lock()
	if epoch != s.epoch || s.state != Open {
		// a newer attempt owns the state now
		s.mtx.Unlock()
		return
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		s.state = Idle
		s.mtx.Unlock()
		s.notify(Idle, 0)
		return
	}

	logger.Logger.Warn("connection lost", zap.String("session", s.session), zap.Error(err))
	st, attempt := s.scheduleRetryLocked()
	s.mtx.Unlock()
	s.notify(st, attempt)
}

// scheduleRetryLocked advances the attempt counter and either arms the
// backoff timer or goes terminal. Caller holds the mutex.
func (s *Subscriber) scheduleRetryLocked() (State, int) {
	s.attempts++
	if s.attempts > MaxAttempts {
		s.state = Failed
		return Failed, s.attempts - 1
	}

	s.state = Reconnecting
	attempt := s.attempts
	epoch := s.epoch
	s.retry = time.AfterFunc(s.backoff(attempt), func() {
		s.reconnect(epoch)
	})
	return Reconnecting, attempt
}

func (s *Subscriber) reconnect(epoch int) {
	s.mtx.Lock()
	if epoch != s.epoch || s.state != Reconnecting {
		// disconnected or superseded while the timer was pending
		s.mtx.Unlock()
		return
	}
	session := s.session
	attempt := s.attempts
	s.epoch++
	epoch = s.epoch
	s.state = Connecting
	s.mtx.Unlock()
	s.notify(Connecting, attempt)

	conn, err := s.dialSession(session)

	s.mtx.Lock()
	if epoch != s.epoch {
		s.mtx.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		st, attempt := s.scheduleRetryLocked()
		s.mtx.Unlock()
		s.notify(st, attempt)
		return
	}
	s.conn = conn
	s.attempts = 0
	s.state = Open
	s.mtx.Unlock()
	s.notify(Open, 0)

	go s.readLoop(epoch, conn)
	go s.heartbeatLoop(epoch, conn)
}

func (s *Subscriber) cancelRetryLocked() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Subscriber) notify(st State, attempt int) {
	if s.OnState != nil {
		s.OnState(st, attempt)
	}
}

// backoffDelay computes the bounded exponential delay before attempt n.
func backoffDelay(attempt int) time.Duration {
	d := time.Duration(float64(baseDelay) * math.Pow(growthFactor, float64(attempt-1)))
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
