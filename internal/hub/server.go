// Package hub is the relay server two participants connect to: the room
// socket on /ws, the media broker on /peer and the chat HTTP fallback.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/msgdrop/internal/auth"
	"github.com/petervdpas/msgdrop/internal/storage"
	"github.com/petervdpas/msgdrop/internal/util"
)

var log = logging.Logger("hub")

type Options struct {
	Addr      string
	Verifier  *auth.Verifier
	Issuer    *auth.Issuer // needed for /unlock only
	Store     *storage.DB
	Logs      *LogBuffer
	EdgeToken string

	// UnlockCode enables POST /unlock when set.
	UnlockCode string
	// Keep is how many messages per room survive each post.
	Keep int
	// Zone is where streak days begin.
	Zone *time.Location
	Now  func() time.Time
}

type Server struct {
	opts Options

	mu    sync.Mutex
	rooms map[string][]*client

	games  *games
	broker *broker

	srv *http.Server
	ln  net.Listener
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func New(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Zone == nil {
		opts.Zone = time.UTC
	}
	if opts.Keep <= 0 {
		opts.Keep = 30
	}
	if opts.Logs == nil {
		opts.Logs = NewLogBuffer(0)
	}
	return &Server{
		opts:   opts,
		rooms:  make(map[string][]*client),
		games:  newGames(),
		broker: newBroker(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /peer", s.handlePeer)
	mux.HandleFunc("GET /api/chat/{room}", noStore(s.handleChatGet))
	mux.HandleFunc("POST /api/chat/{room}", noStore(s.handleChatPost))
	mux.HandleFunc("PATCH /api/chat/{room}", noStore(s.handleChatEdit))
	mux.HandleFunc("DELETE /api/chat/{room}", noStore(s.handleChatDelete))
	mux.HandleFunc("POST /api/chat/{room}/react", noStore(s.handleChatReact))
	mux.HandleFunc("POST /api/chat/{room}/read", noStore(s.handleChatRead))
	mux.HandleFunc("GET /api/chat/{room}/streak", noStore(s.handleStreak))
	mux.HandleFunc("GET /api/health", noStore(s.handleHealth))
	mux.HandleFunc("GET /api/logs", noStore(s.opts.Logs.ServeLogsJSON))
	mux.HandleFunc("GET /api/logs/stream", s.opts.Logs.ServeLogsSSE)
	mux.HandleFunc("POST /unlock", s.handleUnlock)
	return mux
}

// Start listens on Addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
		defer cancel()
		s.closeAll()
		_ = s.srv.Shutdown(shctx)
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("hub server error: %v", err)
		}
	}()

	log.Infof("hub listening on %s", ln.Addr())
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.opts.Addr
	}
	return s.ln.Addr().String()
}

// Online reports how many sockets are in room.
func (s *Server) Online(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[room])
}

// closeAll hijacked sockets are not closed by http.Server.Shutdown.
func (s *Server) closeAll() {
	s.mu.Lock()
	var all []*client
	for _, cs := range s.rooms {
		all = append(all, cs...)
	}
	s.mu.Unlock()
	for _, c := range all {
		c.closeWith(websocket.CloseGoingAway, "hub shutting down")
	}
	s.broker.closeAll()
}

func (s *Server) nowMillis() int64 { return s.opts.Now().UnixMilli() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
