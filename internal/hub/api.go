package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/petervdpas/msgdrop/internal/config"
	"github.com/petervdpas/msgdrop/internal/proto"
)

// GET /api/chat/{room}?limit=&before=
func (s *Server) handleChatGet(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if _, ok := s.authorize(w, r, room); !ok {
		return
	}
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		http.Error(w, "bad limit", http.StatusBadRequest)
		return
	}
	before, err := queryInt(q.Get("before"))
	if err != nil {
		http.Error(w, "bad before", http.StatusBadRequest)
		return
	}
	drop, err := s.opts.Store.History(room, int(limit), before)
	if err != nil {
		log.Errorf("history %s: %v", room, err)
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, drop)
}

func queryInt(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// POST /api/chat/{room} with a chat payload. Responds with the new snapshot.
func (s *Server) handleChatPost(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	claims, ok := s.authorize(w, r, room)
	if !ok {
		return
	}
	var msg proto.Chat
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFrame)).Decode(&msg); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if claims.Participant != "" {
		msg.User = claims.Participant
	}
	if _, err := s.postChat(room, msg); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errTextRequired) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	drop, err := s.opts.Store.Snapshot(room)
	if err != nil {
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, drop)
}

// GET /api/chat/{room}/streak
func (s *Server) handleStreak(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if _, ok := s.authorize(w, r, room); !ok {
		return
	}
	streak, err := s.opts.Store.Streak(room, s.opts.Now().In(s.opts.Zone))
	if err != nil {
		http.Error(w, "streak failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, streak)
}

// GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rooms := len(s.rooms)
	s.mu.Unlock()

	status, ok := http.StatusOK, true
	if err := s.opts.Store.Ping(); err != nil {
		status, ok = http.StatusServiceUnavailable, false
	}
	writeJSON(w, status, map[string]any{"ok": ok, "rooms": rooms, "ts": s.nowMillis()})
}

type unlockRequest struct {
	Code        string `json:"code"`
	Room        string `json:"room"`
	Participant string `json:"participant"`
}

// POST /unlock exchanges the shared code for a session credential, set as
// the session cookie and returned in the body.
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if s.opts.UnlockCode == "" || s.opts.Issuer == nil {
		http.NotFound(w, r)
		return
	}
	var req unlockRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Code) != s.opts.UnlockCode {
		http.Error(w, "invalid code", http.StatusUnauthorized)
		return
	}
	if !config.ValidParticipant(req.Participant) {
		http.Error(w, "participant must be E or M", http.StatusBadRequest)
		return
	}
	token, err := s.opts.Issuer.Issue(req.Room, req.Participant)
	if err != nil {
		http.Error(w, "issue failed", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     proto.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
