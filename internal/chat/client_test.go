package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/msgdrop/internal/proto"
)

func TestClientPostAndFetch(t *testing.T) {
	var posted proto.Chat
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(proto.SessionCookie)
		if err != nil || c.Value != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "/api/chat/d1", r.URL.Path)
		if r.Method == http.MethodPost {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		}
		json.NewEncoder(w).Encode(proto.Drop{DropID: "d1", Version: 1, Messages: []proto.Message{{Seq: 1, Text: "hi"}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	drop, err := c.Post(context.Background(), "tok", "d1", proto.Chat{Text: "hi", User: "E"})
	require.NoError(t, err)
	require.Equal(t, int64(1), drop.Version)
	require.Equal(t, "hi", posted.Text)

	drop, err = c.Fetch(context.Background(), "tok", "d1")
	require.NoError(t, err)
	require.Len(t, drop.Messages, 1)

	_, err = c.Fetch(context.Background(), "bad", "d1")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Fetch(context.Background(), "tok", "d1")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnauthorized)
}

func TestClientMessageChanges(t *testing.T) {
	type hit struct {
		method, path, query string
		body                map[string]any
	}
	var hits []hit
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := hit{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&h.body)
		}
		hits = append(hits, h)
		switch {
		case r.URL.Path == "/api/chat/d1/read":
			json.NewEncoder(w).Encode(proto.ReadResult{Success: true, Updated: 3})
		case r.Method == http.MethodDelete:
			http.Error(w, "not yours", http.StatusForbidden)
		case r.Method == http.MethodPatch:
			http.Error(w, "missing", http.StatusNotFound)
		default:
			json.NewEncoder(w).Encode(proto.Drop{DropID: "d1", Version: 4})
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL)
	ctx := context.Background()

	drop, err := c.History(ctx, "tok", "d1", 50, 1234)
	require.NoError(t, err)
	require.Equal(t, int64(4), drop.Version)
	require.Equal(t, "before=1234&limit=50", hits[0].query)

	_, err = c.React(ctx, "tok", "d1", 2, "👍", false)
	require.NoError(t, err)
	require.Equal(t, "/api/chat/d1/react", hits[1].path)
	require.Equal(t, "remove", hits[1].body["op"])

	n, err := c.MarkRead(ctx, "tok", "d1", 7)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.EqualValues(t, 7, hits[2].body["upToSeq"])

	_, err = c.Delete(ctx, "tok", "d1", 1)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = c.Edit(ctx, "tok", "d1", 9, "x")
	require.ErrorIs(t, err, ErrNoMessage)
	require.Equal(t, http.MethodPatch, hits[4].method)
}
