package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"georelay.dev/logger"
)

const (
	// Time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the client.
	pongWait = 60 * time.Second

	// Send pings to client with this period. Must be less than pongWait.
	pingPeriod = 15 * time.Second

	// Maximum message size allowed from client.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeSocket upgrades the request and pumps updates for one subscriber.
// Every exit path unsubscribes; that is what keeps the registry from
// leaking entries for half-open network paths.
func ServeSocket(w http.ResponseWriter, r *http.Request, relay *Relay, sub *Subscriber) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		relay.Unsubscribe(sub)
		return
	}

	s := &socket{
		ctx:       r.Context(),
		conn:      conn,
		relay:     relay,
		sub:       sub,
		heartbeat: make(chan bool, 1),
	}

	s.run()
}

type socket struct {
	// request context
	ctx context.Context
	// the websocket connection
	conn *websocket.Conn
	// the hub
	relay *Relay
	// the registered subscriber
	sub *Subscriber
	// client pinged, answer on the write loop
	heartbeat chan bool
}

func (s *socket) run() {
	defer func() {
		s.relay.Unsubscribe(s.sub)
		s.conn.Close()
	}()

	// a fresh subscriber gets the last known position straight away
	if u := s.relay.Latest(s.sub.Session); u != nil {
		select {
		case s.sub.Events <- u:
		default:
		}
	}

	stopCtx, cancel := context.WithCancel(context.Background())

	wg := sync.WaitGroup{}
	wg.Add(2)

	go s.writeLoop(cancel, &wg, stopCtx)
	go s.readLoop(cancel, &wg, stopCtx)
	wg.Wait()
}

func (s *socket) readLoop(cancel context.CancelFunc, wg *sync.WaitGroup, stopCtx context.Context) {
	defer func() {
		cancel()
		wg.Done()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		select {
		case <-stopCtx.Done():
			return
		default:
		}

		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Logger.Debug("socket read", zap.String("session", s.sub.Session), zap.Error(err))
			}
			return
		}

		// any inbound frame proves the peer is alive
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		// the only expected client frame is the heartbeat token
		if string(msg) == PingToken {
			select {
			case s.heartbeat <- true:
			default:
			}
		}
	}
}

func (s *socket) writeLoop(cancel context.CancelFunc, wg *sync.WaitGroup, stopCtx context.Context) {
	defer func() {
		s.conn.Close()
		cancel()
		wg.Done()
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stopCtx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-s.sub.Kill:
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.heartbeat:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(PongToken)); err != nil {
				return
			}
		case u := <-s.sub.Events:
			b, err := u.Marshal()
			if err != nil {
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}
