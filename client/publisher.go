// Package client holds both halves of the relay client: the fire-and-forget
// publisher and the subscriber reconnect manager.
package client

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"georelay.dev/logger"
	"georelay.dev/relay"
)

// Publisher posts coordinate updates to the relay. Delivery is best effort:
// a failed send is logged and forgotten, the next observation supersedes it.
type Publisher struct {
	endpoint string
	client   *http.Client

	mtx     sync.Mutex
	sent    bool
	lastLat float64
	lastLng float64
}

// NewPublisher takes the full publish endpoint, e.g. http://host:8000/coords.
func NewPublisher(endpoint string) *Publisher {
	return &Publisher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Send transmits the coordinate unless it matches the last one sent.
func (p *Publisher) Send(session string, lat, lng float64) {
	p.mtx.Lock()
	if p.sent && lat == p.lastLat && lng == p.lastLng {
		p.mtx.Unlock()
		return
	}
	p.sent = true
	p.lastLat = lat
	p.lastLng = lng
	p.mtx.Unlock()

	u := relay.NewUpdate(session, lat, lng)
	b, err := u.Marshal()
	if err != nil {
		return
	}

	rsp, err := p.client.Post(p.endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		logger.Logger.Warn("publish failed", zap.String("session", session), zap.Error(err))
		return
	}
	rsp.Body.Close()
}
