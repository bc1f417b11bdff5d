package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/petervdpas/msgdrop/internal/proto"
	"github.com/petervdpas/msgdrop/internal/util"
)

var (
	// ErrUnauthorized is returned when the hub refuses the session credential.
	ErrUnauthorized = errors.New("chat: unauthorized")
	// ErrForbidden is returned when changing a message someone else wrote.
	ErrForbidden = errors.New("chat: not your message")
	ErrNoMessage = errors.New("chat: no such message")
)

// Client talks to the hub's chat endpoint; used when the socket is down.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: util.DefaultFetchTimeout},
	}
}

func (c *Client) endpoint(room string) string {
	return c.BaseURL + "/api/chat/" + url.PathEscape(room)
}

// Post stores msg in room and returns the resulting snapshot.
func (c *Client) Post(ctx context.Context, token, room string, msg proto.Chat) (proto.Drop, error) {
	return c.send(ctx, http.MethodPost, c.endpoint(room), token, msg)
}

// Fetch returns the current snapshot of room.
func (c *Client) Fetch(ctx context.Context, token, room string) (proto.Drop, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(room), nil)
	if err != nil {
		return proto.Drop{}, err
	}
	return c.do(req, token)
}

// History returns up to limit messages older than before (unix millis,
// 0 for the newest). Zero limit leaves the page size to the hub.
func (c *Client) History(ctx context.Context, token, room string, limit int, before int64) (proto.Drop, error) {
	u := c.endpoint(room)
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return proto.Drop{}, err
	}
	return c.do(req, token)
}

// Edit replaces the text of one of the caller's own messages.
func (c *Client) Edit(ctx context.Context, token, room string, seq int64, text string) (proto.Drop, error) {
	return c.send(ctx, http.MethodPatch, c.endpoint(room), token, proto.Edit{Seq: seq, Text: text})
}

// Delete removes one of the caller's own messages.
func (c *Client) Delete(ctx context.Context, token, room string, seq int64) (proto.Drop, error) {
	return c.send(ctx, http.MethodDelete, c.endpoint(room), token, proto.Remove{Seq: seq})
}

// React adds (or with add false removes) emoji on message seq.
func (c *Client) React(ctx context.Context, token, room string, seq int64, emoji string, add bool) (proto.Drop, error) {
	op := proto.ReactAdd
	if !add {
		op = proto.ReactRemove
	}
	return c.send(ctx, http.MethodPost, c.endpoint(room)+"/react", token, proto.React{Seq: seq, Emoji: emoji, Op: op})
}

// MarkRead acknowledges the other participant's messages up to upToSeq.
func (c *Client) MarkRead(ctx context.Context, token, room string, upToSeq int64) (int64, error) {
	req, err := jsonRequest(ctx, http.MethodPost, c.endpoint(room)+"/read", proto.Read{UpToSeq: upToSeq})
	if err != nil {
		return 0, err
	}
	var res proto.ReadResult
	if err := c.roundTrip(req, token, &res); err != nil {
		return 0, err
	}
	return res.Updated, nil
}

func (c *Client) send(ctx context.Context, method, u, token string, v any) (proto.Drop, error) {
	req, err := jsonRequest(ctx, method, u, v)
	if err != nil {
		return proto.Drop{}, err
	}
	return c.do(req, token)
}

func jsonRequest(ctx context.Context, method, u string, v any) (*http.Request, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, token string) (proto.Drop, error) {
	var drop proto.Drop
	if err := c.roundTrip(req, token, &drop); err != nil {
		return proto.Drop{}, err
	}
	return drop, nil
}

func (c *Client) roundTrip(req *http.Request, token string, out any) error {
	req.AddCookie(&http.Cookie{Name: proto.SessionCookie, Value: token})
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case resp.StatusCode == http.StatusNotFound && req.Method != http.MethodGet:
		return ErrNoMessage
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("%s %s: status %s", req.Method, req.URL.Path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
