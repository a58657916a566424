package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/alumni-forum/internal/gateway"
	"github.com/npezzotti/alumni-forum/internal/server"
	"github.com/npezzotti/alumni-forum/internal/types"
)

const maxBodyBytes = 64 << 10

type CreateRoomRequest struct {
	Name string `json:"name"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
	Sender  string `json:"sender"`
}

// cursorQuery is the resume position of a backlog read or live feed.
type cursorQuery struct {
	After int `validate:"gte=0"`
}

func (s *ForumApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("json encode: %v", err)
	}
}

func (s *ForumApp) writeError(w http.ResponseWriter, err error) {
	errResp := errorFor(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *ForumApp) decodeJson(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return false
	}
	return true
}

// parseCursor reads a non negative sequence id. ok is false when raw is
// empty.
func (s *ForumApp) parseCursor(raw string) (after int, ok bool, err error) {
	if raw == "" {
		return 0, false, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, err
	}

	q := cursorQuery{After: n}
	if err := s.validate.Struct(q); err != nil {
		return 0, false, err
	}

	return q.After, true, nil
}

func (s *ForumApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.WithError(err).Error("health check failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *ForumApp) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.gw.ListRooms()
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *ForumApp) createRoom(w http.ResponseWriter, r *http.Request) {
	token, ok := Token(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateRoomRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	room, err := s.gw.CreateRoom(req.Name, token)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, room)
}

func (s *ForumApp) getMessages(w http.ResponseWriter, r *http.Request) {
	roomId := r.PathValue("roomId")

	after, ok, err := s.parseCursor(r.URL.Query().Get("after"))
	if err != nil {
		s.writeJson(w, http.StatusBadRequest, NewValidationError(errors.New("after must be a non-negative integer")))
		return
	}

	var messages []types.Message
	if ok {
		messages, err = s.gw.GetBacklogAfter(roomId, after)
	} else {
		messages, err = s.gw.GetBacklog(roomId)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *ForumApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	token, ok := Token(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req SendMessageRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	msg, err := s.gw.SendMessage(r.PathValue("roomId"), req.Sender, req.Content, token)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *ForumApp) serveWs(w http.ResponseWriter, r *http.Request) {
	after, ok, err := s.parseCursor(r.URL.Query().Get("after"))
	if err != nil {
		s.writeJson(w, http.StatusBadRequest, NewValidationError(errors.New("after must be a non-negative integer")))
		return
	}
	if !ok {
		after = gateway.NoCursor
	}

	feed, err := s.gw.OpenLiveFeed(r.Context(), r.PathValue("roomId"), after)
	if err != nil {
		s.writeError(w, err)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("error upgrading connection")
		feed.Close()
		return
	}

	server.NewClient(conn, feed.Subscription, feed.Backlog, s.keepAlive, s.log).Serve()
}
