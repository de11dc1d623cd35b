package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"defidash/go-backend/internal/platform/privacylog"
)

func TestDispatcherDeliversAndDrains(t *testing.T) {
	rec := &Recorder{}
	d := NewDispatcher(rec, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), DispatcherOptions{})
	for i := 0; i < 10; i++ {
		d.Emit(Event{Actor: "0xabc", Action: ActionKeyCreated})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	events := rec.Events()
	if len(events) != 10 {
		t.Fatalf("expected 10 events, got %d", len(events))
	}
	if events[0].Severity != SeverityInfo || events[0].At.IsZero() {
		t.Fatalf("defaults not applied: %+v", events[0])
	}
}

func TestDispatcherReportsSinkFailures(t *testing.T) {
	var failures atomic.Int32
	rec := &Recorder{Err: errors.New("sink down")}
	d := NewDispatcher(rec, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), DispatcherOptions{
		OnFailure: func(error) { failures.Add(1) },
	})
	d.Emit(Event{Action: ActionKeyRevoked})
	d.Emit(Event{Action: ActionKeyRevoked})
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if failures.Load() != 2 {
		t.Fatalf("expected 2 failures, got %d", failures.Load())
	}
	d.Emit(Event{Action: ActionKeyRevoked})
	if failures.Load() != 3 {
		t.Fatalf("emit after close must count as failure, got %d", failures.Load())
	}
}

type blockingSink struct {
	release chan struct{}
}

func (b blockingSink) Record(ctx context.Context, _ Event) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestDispatcherEmitNeverBlocks(t *testing.T) {
	var failures atomic.Int32
	sink := blockingSink{release: make(chan struct{})}
	d := NewDispatcher(sink, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), DispatcherOptions{
		QueueSize: 1,
		OnFailure: func(err error) {
			if errors.Is(err, ErrQueueFull) {
				failures.Add(1)
			}
		},
	})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			d.Emit(Event{Action: ActionKeyCreated})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a stuck sink")
	}
	close(sink.release)
	_ = d.Close(context.Background())
	if failures.Load() == 0 {
		t.Fatal("expected dropped events to be reported")
	}
}

func TestLogSinkRedactsMetadata(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(&buf, nil)))
	err := LogSink{Logger: logger}.Record(context.Background(), Event{
		Actor:    "0x52908400098527886E0F7030069857D2E4169EE7",
		Action:   ActionKeyCreated,
		Severity: SeverityInfo,
		Metadata: map[string]any{"tier": "free", "key_digest": "deadbeef"},
		SourceIP: "10.1.1.1",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "deadbeef") || strings.Contains(out, "10.1.1.1") || strings.Contains(out, "2E4169EE7") {
		t.Fatalf("audit log leaked sensitive data: %s", out)
	}
	if !strings.Contains(out, "api_key.created") || !strings.Contains(out, "free") {
		t.Fatalf("audit log missing fields: %s", out)
	}
}
