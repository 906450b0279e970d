package poller

import (
	"context"
	"errors"
	"testing"

	"runrelay/internal/github"
	"runrelay/internal/queue"
	"runrelay/pkg/logx"
)

func newTestHandler(reg *Registry, src Source, sink *fakeSink, q *queue.MemoryStore) *Handler {
	return &Handler{
		Registry: reg,
		Sources:  func(context.Context, string) (Source, error) { return src, nil },
		Sink:     sink,
		Queue:    q,
		Config:   slowConfig(),
		Log:      logx.Nop(),
	}
}

func TestHandlerDropsInvalidPayload(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(context.Background(), logx.Nop())
	h := newTestHandler(reg, &fakeSource{statuses: []string{github.StatusInProgress}}, &fakeSink{}, queue.NewMemoryStore())

	for _, body := range []string{`{`, `{"run_id":1}`, `{"run_id":1,"owner":"acme","repo":"web","channel":"@builds","extra":1}`} {
		if err := h.Handle(context.Background(), queue.Envelope{ID: "m", Body: []byte(body)}); err != nil {
			t.Fatalf("Handle(%s) error = %v, want nil", body, err)
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("registry len = %d, want 0", reg.Len())
	}
}

func TestHandlerSourceFailureIsReturned(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(context.Background(), logx.Nop())
	wantErr := errors.New("no such credential")
	h := newTestHandler(reg, nil, &fakeSink{}, queue.NewMemoryStore())
	h.Sources = func(context.Context, string) (Source, error) { return nil, wantErr }

	body := []byte(`{"run_id":7,"owner":"acme","repo":"web","channel":"@builds","credential_ref":"ci"}`)
	if err := h.Handle(context.Background(), queue.Envelope{Body: body}); !errors.Is(err, wantErr) {
		t.Fatalf("Handle() error = %v, want %v", err, wantErr)
	}
}

func TestRegistryAdmitsOncePerRunAndDrains(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(context.Background(), logx.Nop())
	sink := &fakeSink{}
	q := queue.NewMemoryStore()
	h := newTestHandler(reg, &fakeSource{statuses: []string{github.StatusInProgress}}, sink, q)

	body := []byte(`{"run_id":"7","owner":"acme","repo":"web","channel":"@builds"}`)
	for i := 0; i < 2; i++ {
		if err := h.Handle(context.Background(), queue.Envelope{Body: body}); err != nil {
			t.Fatalf("Handle() #%d error = %v", i+1, err)
		}
	}
	if reg.Len() != 1 {
		t.Fatalf("registry len = %d, want 1", reg.Len())
	}
	if keys := reg.Keys(); len(keys) != 1 || keys[0] != "acme/web#7" {
		t.Fatalf("Keys() = %v, want [acme/web#7]", keys)
	}
	waitFor(t, "first publish", func() bool { return len(sink.snapshot()) == 1 })

	if err := reg.DrainAll(context.Background()); err != nil {
		t.Fatalf("DrainAll() error = %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry len after drain = %d, want 0", reg.Len())
	}
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", q.Len())
	}
	if reg.Context().Err() == nil {
		t.Fatalf("registry context not cancelled after drain")
	}

	if err := h.Handle(context.Background(), queue.Envelope{Body: body}); !errors.Is(err, ErrDraining) {
		t.Fatalf("Handle() after drain error = %v, want %v", err, ErrDraining)
	}
}

func TestRegistryForgetsFinishedPollers(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(context.Background(), logx.Nop())
	h := newTestHandler(reg, &fakeSource{statuses: []string{github.StatusCompleted}}, &fakeSink{}, queue.NewMemoryStore())

	body := []byte(`{"run_id":9,"owner":"acme","repo":"web","channel":"-100123","message_id":"55"}`)
	if err := h.Handle(context.Background(), queue.Envelope{Body: body}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	waitFor(t, "poller to finish", func() bool { return reg.Len() == 0 })
}
