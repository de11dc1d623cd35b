// Package audit carries credential lifecycle events to an external sink.
// Delivery is fire-and-forget: a slow or failing sink never blocks key
// issuance or revocation, it only shows up in logs and metrics.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"defidash/go-backend/internal/platform/privacylog"
)

const (
	ActionKeyCreated      = "api_key.created"
	ActionKeyRevoked      = "api_key.revoked"
	ActionKeyRevokeDenied = "api_key.revoke_denied"
	ActionWalletIssued    = "wallet.issued"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var ErrQueueFull = errors.New("audit queue is full")

type Event struct {
	Actor       string         `json:"actor"`
	Action      string         `json:"action"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	SourceIP    string         `json:"sourceIp,omitempty"`
	At          time.Time      `json:"at"`
}

// Sink is the external audit collaborator.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Emitter is what the credential core depends on. Emit must not block.
type Emitter interface {
	Emit(ev Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(Event) {}

// Dispatcher queues events and delivers them to a Sink on a background
// goroutine.
type Dispatcher struct {
	sink      Sink
	logger    *slog.Logger
	timeout   time.Duration
	onFailure func(error)

	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

type DispatcherOptions struct {
	QueueSize int
	// Timeout bounds a single Sink.Record call.
	Timeout time.Duration
	// OnFailure is called for every dropped or failed event.
	OnFailure func(error)
}

func NewDispatcher(sink Sink, logger *slog.Logger, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sink:      sink,
		logger:    logger,
		timeout:   opts.Timeout,
		onFailure: opts.OnFailure,
		queue:     make(chan Event, opts.QueueSize),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.fail(ev, errors.New("audit dispatcher is closed"))
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.fail(ev, ErrQueueFull)
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to
// end, whichever comes first.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.sink.Record(ctx, ev)
		cancel()
		if err != nil {
			d.fail(ev, err)
		}
	}
}

func (d *Dispatcher) fail(ev Event, err error) {
	d.logger.Warn("audit event not delivered", "action", ev.Action, "actor", ev.Actor, "error", err)
	if d.onFailure != nil {
		d.onFailure(err)
	}
}

// LogSink writes events as structured log records. Metadata goes through
// the same redaction rules as the rest of the daemon's logs.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(ctx context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch ev.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	logger.LogAttrs(ctx, level, "audit",
		slog.String("action", ev.Action),
		slog.String("actor", ev.Actor),
		slog.String("severity", string(ev.Severity)),
		slog.String("description", ev.Description),
		slog.String("source_ip", ev.SourceIP),
		slog.Time("at", ev.At),
		slog.Any("metadata", privacylog.SanitizeMetadata(ev.Metadata)),
	)
	return nil
}

// Recorder keeps events in memory. It is both a Sink and an Emitter.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Record(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Emit(ev Event) {
	_ = r.Record(context.Background(), ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
