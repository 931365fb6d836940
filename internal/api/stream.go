package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/aircon-ledger/aircon-remote/internal/models"
	"github.com/aircon-ledger/aircon-remote/internal/projection"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamBuffer     = 64
)

// StreamMessage is one frame pushed to stream clients
type StreamMessage struct {
	Type  string           `json:"type"`
	State *stateResponse   `json:"state,omitempty"`
	Entry *models.LogEntry `json:"entry,omitempty"`
}

// HandleStream upgrades to a websocket pushing state changes and log
// appends. The first frame carries the current state.
func (s *RESTServer) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	out := make(chan StreamMessage, streamBuffer)
	push := func(m StreamMessage) {
		select {
		case out <- m:
		default:
			log.Warn().Str("type", m.Type).Msg("Stream client too slow, dropping frame")
		}
	}

	unsubState := s.session.Projection.Subscribe(func(projection.View) {
		state := s.currentState()
		push(StreamMessage{Type: "state", State: &state})
	})
	defer unsubState()

	unsubLog := s.session.Log.Subscribe(func(entry models.LogEntry) {
		push(StreamMessage{Type: "log", Entry: &entry})
	})
	defer unsubLog()

	state := s.currentState()
	push(StreamMessage{Type: "state", State: &state})

	// reader: handles pongs and notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	log.Debug().Str("remote", r.RemoteAddr).Msg("Stream client connected")
	for {
		select {
		case <-closed:
			log.Debug().Str("remote", r.RemoteAddr).Msg("Stream client disconnected")
			return
		case m := <-out:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(m); err != nil {
				log.Debug().Err(err).Msg("Stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
