package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"runrelay/internal/transport"
	"runrelay/pkg/logx"
)

type fakeAPI struct {
	mu      sync.Mutex
	methods []string
	bodies  []map[string]any
	reply   func(method string) string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.methods = append(f.methods, method)
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, f.reply(method))
}

func newTestSink(t *testing.T, api *fakeAPI) *Sink {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	s, err := New(Config{Token: "123:abc", APIURL: srv.URL, RatePerSec: 1000}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

const okMessage = `{"ok":true,"result":{"message_id":169,"date":0,"chat":{"id":-1001,"type":"channel"},"text":"x"}}`

func TestPublishCreateResolvesChannelAlias(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{reply: func(string) string { return okMessage }}
	s := newTestSink(t, api)

	h, err := s.Publish(context.Background(), transport.Handle{Channel: "@builds"}, transport.Content{Text: "hi", ParseMode: "HTML"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if h.MessageID != "169" || h.Channel != "-1001" {
		t.Fatalf("handle = %+v, want channel -1001 message 169", h)
	}
	if len(api.methods) != 1 || api.methods[0] != "sendMessage" {
		t.Fatalf("methods = %v, want [sendMessage]", api.methods)
	}
	if got := api.bodies[0]["chat_id"]; got != "@builds" {
		t.Fatalf("chat_id = %v, want @builds", got)
	}
}

func TestPublishUpdateEditsSameMessage(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{reply: func(string) string { return okMessage }}
	s := newTestSink(t, api)

	in := transport.Handle{Channel: "-1001", MessageID: "169"}
	h, err := s.Publish(context.Background(), in, transport.Content{Text: "done"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if h != in {
		t.Fatalf("handle = %+v, want %+v", h, in)
	}
	if len(api.methods) != 1 || api.methods[0] != "editMessageText" {
		t.Fatalf("methods = %v, want [editMessageText]", api.methods)
	}
}

func TestPublishNotModifiedIsSuccess(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{reply: func(string) string {
		return `{"ok":false,"error_code":400,"description":"Bad Request: message is not modified: specified new message content and reply markup are exactly the same as a current content and reply markup of the message"}`
	}}
	s := newTestSink(t, api)

	if _, err := s.Publish(context.Background(), transport.Handle{Channel: "-1001", MessageID: "169"}, transport.Content{Text: "same"}); err != nil {
		t.Fatalf("Publish = %v, want nil", err)
	}
}

func TestPublishApplicationErrorIsRemoteApplicationError(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{reply: func(string) string {
		return `{"ok":false,"error_code":403,"description":"Forbidden: bot is not a member of the channel chat"}`
	}}
	s := newTestSink(t, api)

	_, err := s.Publish(context.Background(), transport.Handle{Channel: "@builds"}, transport.Content{Text: "hi"})
	if !transport.IsRemoteApplicationError(err) {
		t.Fatalf("Publish error = %v (%T), want RemoteApplicationError", err, err)
	}
}

func TestPublishUpdateRejectsAliasChannel(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{reply: func(string) string { return okMessage }}
	s := newTestSink(t, api)

	if _, err := s.Publish(context.Background(), transport.Handle{Channel: "@builds", MessageID: "1"}, transport.Content{Text: "x"}); err == nil {
		t.Fatal("Publish = nil, want error for non-numeric update target")
	}
	if len(api.methods) != 0 {
		t.Fatalf("methods = %v, want none", api.methods)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", TextLimit+10)
	got := truncate(long, TextLimit)
	if n := utf8.RuneCountInString(got); n != TextLimit {
		t.Fatalf("rune count = %d, want %d", n, TextLimit)
	}
	if got := truncate("short", TextLimit); got != "short" {
		t.Fatalf("truncate(short) = %q", got)
	}
}
