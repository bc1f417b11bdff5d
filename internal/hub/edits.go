package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/petervdpas/msgdrop/internal/auth"
	"github.com/petervdpas/msgdrop/internal/config"
	"github.com/petervdpas/msgdrop/internal/proto"
	"github.com/petervdpas/msgdrop/internal/storage"
)

var errNotAuthor = errors.New("only the author may change a message")

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFrame)).Decode(v); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	return true
}

// own checks that the caller wrote message seq. Room-wide credentials
// without a participant may change anything.
func (s *Server) own(w http.ResponseWriter, claims *auth.Claims, room string, seq int64) bool {
	m, err := s.opts.Store.Message(room, seq)
	if err != nil {
		storeError(w, room, err)
		return false
	}
	if claims.Participant != "" && m.User != claims.Participant {
		http.Error(w, errNotAuthor.Error(), http.StatusForbidden)
		return false
	}
	return true
}

func storeError(w http.ResponseWriter, room string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	log.Errorf("store %s: %v", room, err)
	http.Error(w, "store failed", http.StatusInternalServerError)
}

// publish broadcasts the room snapshot as "update" and answers with it.
func (s *Server) publish(w http.ResponseWriter, room string) {
	drop, err := s.opts.Store.Snapshot(room)
	if err != nil {
		log.Errorf("snapshot %s: %v", room, err)
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	env, _ := proto.NewEvent(proto.KindUpdate, drop)
	s.broadcast(room, env)
	writeJSON(w, http.StatusOK, drop)
}

// PATCH /api/chat/{room}
func (s *Server) handleChatEdit(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	claims, ok := s.authorize(w, r, room)
	if !ok {
		return
	}
	var req proto.Edit
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Seq <= 0 || strings.TrimSpace(req.Text) == "" {
		http.Error(w, "seq and text required", http.StatusBadRequest)
		return
	}
	if !s.own(w, claims, room, req.Seq) {
		return
	}
	if _, err := s.opts.Store.Edit(room, req.Seq, req.Text, s.nowMillis()); err != nil {
		storeError(w, room, err)
		return
	}
	log.Infof("%s edited #%d in %s", claims.Participant, req.Seq, room)
	s.publish(w, room)
}

// DELETE /api/chat/{room}
func (s *Server) handleChatDelete(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	claims, ok := s.authorize(w, r, room)
	if !ok {
		return
	}
	var req proto.Remove
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Seq <= 0 {
		http.Error(w, "seq required", http.StatusBadRequest)
		return
	}
	if !s.own(w, claims, room, req.Seq) {
		return
	}
	if err := s.opts.Store.Delete(room, req.Seq); err != nil {
		storeError(w, room, err)
		return
	}
	log.Infof("%s deleted #%d in %s", claims.Participant, req.Seq, room)
	s.publish(w, room)
}

// POST /api/chat/{room}/react
func (s *Server) handleChatReact(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if _, ok := s.authorize(w, r, room); !ok {
		return
	}
	var req proto.React
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Seq <= 0 || strings.TrimSpace(req.Emoji) == "" {
		http.Error(w, "seq and emoji required", http.StatusBadRequest)
		return
	}
	var add bool
	switch strings.ToLower(req.Op) {
	case "", proto.ReactAdd:
		add = true
	case proto.ReactRemove:
	default:
		http.Error(w, "op must be add or remove", http.StatusBadRequest)
		return
	}
	if _, err := s.opts.Store.React(room, req.Seq, req.Emoji, add); err != nil {
		storeError(w, room, err)
		return
	}
	s.publish(w, room)
}

// POST /api/chat/{room}/read marks the other participant's messages read.
// The reader is the credential's participant when it names one.
func (s *Server) handleChatRead(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	claims, ok := s.authorize(w, r, room)
	if !ok {
		return
	}
	var rd proto.Read
	if !decodeBody(w, r, &rd) {
		return
	}
	if claims.Participant != "" {
		rd.Reader = claims.Participant
	}
	if rd.UpToSeq <= 0 || !config.ValidParticipant(rd.Reader) {
		http.Error(w, "upToSeq and reader required", http.StatusBadRequest)
		return
	}
	n, err := s.markRead(room, rd, false)
	if err != nil {
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, proto.ReadResult{Success: true, Updated: n})
}
