package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/msgdrop/internal/util"
)

type LogEntry struct {
	TS  time.Time `json:"ts"`
	Msg string    `json:"msg"`
}

// LogBuffer keeps the most recent log lines for /api/logs.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]

	subs map[chan LogEntry]struct{}

	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Follow copies everything the process logs into the buffer until ctx ends.
func (b *LogBuffer) Follow(ctx context.Context) {
	r := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go func() {
		<-ctx.Done()
		r.Close()
	}()
	go func() {
		_, _ = io.Copy(b, r)
	}()
}

// Write splits p into lines; a trailing partial line waits for its newline.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)

	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}

		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := LogEntry{TS: time.Now(), Msg: line}
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
			}
		}
	}

	return len(p), nil
}

// Tail returns the last n entries, all of them when n <= 0.
func (b *LogBuffer) Tail(n int) []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		return b.entries.Snapshot()
	}
	return b.entries.Tail(n)
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs[?n=100]
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	writeJSON(w, http.StatusOK, b.Tail(n))
}

// GET /api/logs/stream (Server-Sent Events), tail only.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(e)
			_, _ = w.Write([]byte("event: message\ndata: " + string(data) + "\n\n"))
			flusher.Flush()
		}
	}
}
