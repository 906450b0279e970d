package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"runrelay/internal/queue"
	"runrelay/internal/storage"
	"runrelay/internal/workitem"
	"runrelay/pkg/logx"
)

func writeConfig(t *testing.T, raw string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runrelay.json")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEnqueueDepositsValidItem(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "queue.db")
	cfgPath := writeConfig(t, `{"telegram":{"token":"x"},"queue":{"path":"`+filepath.ToSlash(dbPath)+`"}}`)
	ctx := context.Background()

	id, err := Enqueue(ctx, cfgPath, []byte(`{"run_id":"42","owner":"acme","repo":"web","channel":"-100123"}`), logx.Nop())
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if id == "" {
		t.Fatalf("Enqueue() id is empty")
	}

	db, err := storage.Open(ctx, storage.Config{Path: dbPath}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()
	envs, err := db.Queue().Receive(ctx, queue.ReceiveOptions{MaxMessages: 1, VisibilityTimeout: time.Minute})
	if err != nil || len(envs) != 1 {
		t.Fatalf("Receive() = %d envelopes, %v; want 1", len(envs), err)
	}
	item, err := workitem.Parse(envs[0].Body)
	if err != nil {
		t.Fatalf("Parse(enqueued) error = %v", err)
	}
	if item.Key() != "acme/web#42" || item.AdmittedAt.IsZero() {
		t.Fatalf("enqueued item = %+v, want acme/web#42 with admitted_at", item)
	}
}

func TestEnqueueRejects(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "queue.db")
	sqlitePath := writeConfig(t, `{"telegram":{"token":"x"},"queue":{"path":"`+filepath.ToSlash(dbPath)+`"}}`)
	memoryPath := writeConfig(t, `{"telegram":{"token":"x"},"queue":{"driver":"memory"}}`)

	var verr *workitem.ValidationError
	if _, err := Enqueue(context.Background(), sqlitePath, []byte(`{"run_id":0,"owner":"acme"}`), logx.Nop()); !errors.As(err, &verr) {
		t.Fatalf("Enqueue(invalid) error = %v, want *workitem.ValidationError", err)
	}
	if _, err := Enqueue(context.Background(), memoryPath, []byte(`{"run_id":1,"owner":"acme","repo":"web","channel":"-1"}`), logx.Nop()); err == nil {
		t.Fatalf("Enqueue(memory driver) error = nil, want refusal")
	}
}
