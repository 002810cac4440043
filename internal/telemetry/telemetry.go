// Package telemetry is the fire-and-forget event sink used by storage and
// sync. Reporting never blocks and never affects control flow.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Event names a reportable occurrence.
type Event string

const (
	LedgerStarted                         Event = "ledger-started"
	CommitsMerged                         Event = "commits-merged"
	CommitsReceivedOutOfOrder             Event = "commits-received-out-of-order"
	CommitsReceivedOutOfOrderNotRecovered Event = "commits-received-out-of-order-not-recovered"
	LocalStoreCorrupted                   Event = "local-store-corrupted"
)

// Sink receives events. Implementations must be safe for concurrent use and
// must return promptly.
type Sink interface {
	Report(event Event, page string)
}

// Nop discards every event.
var Nop Sink = nopSink{}

type nopSink struct{}

func (nopSink) Report(Event, string) {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}

// Prometheus counts events in a counter vector labelled by event name.
type Prometheus struct {
	events *prometheus.CounterVec
}

// NewPrometheus registers the event counter with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pagesync",
		Name:      "events_total",
		Help:      "Storage and sync events by name.",
	}, []string{"event"})
	if err := reg.Register(events); err != nil {
		return nil, err
	}
	return &Prometheus{events: events}, nil
}

func (p *Prometheus) Report(event Event, page string) {
	p.events.WithLabelValues(string(event)).Inc()
}

// Logger writes each event as a structured log line.
type Logger struct {
	log *zap.SugaredLogger
}

func NewLogger(log *zap.SugaredLogger) *Logger {
	return &Logger{log: log}
}

func (l *Logger) Report(event Event, page string) {
	switch event {
	case LocalStoreCorrupted, CommitsReceivedOutOfOrderNotRecovered:
		l.log.Warnw("Telemetry event", "event", string(event), "page", page)
	default:
		l.log.Debugw("Telemetry event", "event", string(event), "page", page)
	}
}

// Multi fans an event out to several sinks.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

type multi []Sink

func (m multi) Report(event Event, page string) {
	for _, s := range m {
		s.Report(event, page)
	}
}

// Recorder keeps every reported event in memory, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Report(event Event, page string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Count returns how many times event was reported.
func (r *Recorder) Count(event Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}
