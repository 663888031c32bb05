package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rewired-gh/kairos/internal/broadcast"
	"github.com/rewired-gh/kairos/internal/ksm"
	"github.com/rewired-gh/kairos/internal/logger"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// pushMessage is what every websocket frame carries. Topic is empty on the
// initial frame sent right after the upgrade.
type pushMessage struct {
	Topic    broadcast.Topic `json:"topic,omitempty"`
	Snapshot ksm.Snapshot    `json:"snapshot"`
}

// handleWS streams a snapshot on connect and after every change. Bursts of
// events that arrive while a frame is being written collapse into one frame.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if s.opts.Metrics != nil {
		s.opts.Metrics.WSClients.Inc()
		defer s.opts.Metrics.WSClients.Dec()
	}

	events, stop := s.mgr.Watch(s.opts.WSBuffer)
	defer stop()

	// The reader only exists to process control frames and notice the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msg pushMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			logger.Debug("WebSocket write failed: %v", err)
			return false
		}
		return true
	}

	if !send(pushMessage{Snapshot: s.mgr.Snapshot()}) {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			ev = drain(events, ev)
			if !send(pushMessage{Topic: ev.Topic, Snapshot: s.mgr.Snapshot()}) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drain returns the newest event already queued on ch, or last if none.
func drain(ch <-chan broadcast.Event, last broadcast.Event) broadcast.Event {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return last
			}
			last = ev
		default:
			return last
		}
	}
}
