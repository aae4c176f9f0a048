package relay

import (
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Heartbeat tokens exchanged on a subscriber channel. The client sends
// PingToken, the relay answers PongToken. Neither carries coordinate state.
const (
	PingToken = "ping"
	PongToken = "pong"
)

// Update is the latest observed position for a session. Each update fully
// supersedes the previous one; there is no merge or accumulation.
type Update struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp"`
	SessionID string  `json:"sessionId"`
}

func NewUpdate(session string, lat, lng float64) *Update {
	return &Update{
		Lat:       lat,
		Lng:       lng,
		Timestamp: time.Now().Unix(),
		SessionID: session,
	}
}

func (u *Update) Marshal() ([]byte, error) {
	return json.Marshal(u)
}

func ParseUpdate(b []byte) (*Update, error) {
	if len(b) == 0 {
		return nil, errors.New("empty frame")
	}
	var u Update
	if err := json.Unmarshal(b, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
