package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/npezzotti/alumni-forum/internal/gateway"
	"github.com/npezzotti/alumni-forum/internal/server"
	"github.com/npezzotti/alumni-forum/internal/types"
	"github.com/sirupsen/logrus"
)

const sseWriteWait = 10 * time.Second

// sseStream writes server-sent events and flushes after each one.
type sseStream struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (e *sseStream) send(format string, args ...any) error {
	err := e.rc.SetWriteDeadline(time.Now().Add(sseWriteWait))
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := fmt.Fprintf(e.w, format, args...); err != nil {
		return err
	}
	return e.rc.Flush()
}

func (e *sseStream) message(msg types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return e.send("id: %d\ndata: %s\n\n", msg.SeqId, data)
}

// resumeCursor prefers the Last-Event-ID header an EventSource sends on
// reconnect over the after query parameter.
func (s *ForumApp) resumeCursor(r *http.Request) (int, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}

	after, ok, err := s.parseCursor(raw)
	if err != nil {
		return 0, err
	}
	if !ok {
		return gateway.NoCursor, nil
	}
	return after, nil
}

func (s *ForumApp) subscribe(w http.ResponseWriter, r *http.Request) {
	roomId := r.PathValue("roomId")

	after, err := s.resumeCursor(r)
	if err != nil {
		s.writeJson(w, http.StatusBadRequest, NewValidationError(errors.New("resume cursor must be a non-negative integer")))
		return
	}

	feed, err := s.gw.OpenLiveFeed(r.Context(), roomId, after)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer feed.Close()

	log := s.log.WithFields(logrus.Fields{
		"room_id":         roomId,
		"subscription_id": feed.Id(),
	})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := &sseStream{w: w, rc: http.NewResponseController(w)}
	if err := stream.rc.Flush(); err != nil {
		log.WithError(err).Warn("streaming not supported")
		return
	}

	for _, msg := range feed.Backlog {
		if err := stream.message(msg); err != nil {
			log.WithError(err).Debug("replay write failed")
			return
		}
		feed.Touch()
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-feed.Messages():
			if !ok {
				reason := feed.Reason()
				log = log.WithField("reason", reason.String())
				if reason != server.ReasonClient {
					if err := stream.send("event: close\ndata: %s\n\n", reason); err != nil {
						log.WithError(err).Debug("close event write failed")
					}
				}
				if reason.ByServer() {
					log.Info("live feed closed by server")
				} else {
					log.Debug("live feed closed")
				}
				return
			}
			if err := stream.message(msg); err != nil {
				log.WithError(err).Debug("write failed")
				return
			}
			feed.Touch()
		case <-ticker.C:
			if err := stream.send(": keepalive\n\n"); err != nil {
				return
			}
			feed.Touch()
		case <-r.Context().Done():
			return
		}
	}
}
