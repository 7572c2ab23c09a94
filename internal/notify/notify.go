// Package notify fans audit events (task creations, referral changes) out to
// the external worklist consumers: HTTP webhooks and a Kafka topic.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"suasflow/internal/config"
	"suasflow/internal/domain"
	"suasflow/internal/metrics"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// EventSource reads the event log in id order.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64, municipalityID string) ([]domain.Event, error)
	LatestEventID(ctx context.Context, municipalityID string) (int64, error)
}

// Sink delivers one event. A failed delivery is retried on the next round.
type Sink interface {
	Name() string
	Accepts(eventType string) bool
	Deliver(ctx context.Context, municipalityID string, evt domain.Event) error
}

// Dispatcher keeps one cursor per sink, starting at the latest event when it
// first sees the sink, and pushes newer events in order.
type Dispatcher struct {
	Source         EventSource
	MunicipalityID string
	Sinks          []Sink
	Interval       time.Duration
	Log            *zap.Logger
	Metrics        *metrics.Metrics

	mu      sync.Mutex
	cursors map[int]int64
}

// FromConfig builds the sinks described by cfg. The returned close function
// releases the Kafka writer, if any.
func FromConfig(cfg config.NotifyConfig) ([]Sink, func() error) {
	var sinks []Sink
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		sinks = append(sinks, NewWebhookSink(hook))
	}
	closeFn := func() error { return nil }
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) > 0 {
		k := NewKafkaSink(cfg.Kafka)
		sinks = append(sinks, k)
		closeFn = k.Close
	}
	return sinks, closeFn
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.Sinks) == 0 {
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery round over every sink.
func (d *Dispatcher) DispatchAll(ctx context.Context) {
	for i, sink := range d.Sinks {
		if ctx.Err() != nil {
			return
		}
		d.dispatch(ctx, i, sink)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, idx int, sink Sink) {
	log := d.log().With(zap.String("sink", sink.Name()))
	cursor := d.cursorFor(ctx, idx)
	events, err := d.Source.EventsAfter(ctx, defaultBatch, cursor, d.MunicipalityID)
	if err != nil {
		log.Warn("fetch events failed", zap.Error(err))
		return
	}
	for _, evt := range events {
		if !sink.Accepts(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		err := sink.Deliver(ctx, d.MunicipalityID, evt)
		d.Metrics.ObserveDelivery(sink.Name(), err)
		if err != nil {
			log.Warn("deliver event failed", zap.Int64("event_id", evt.ID), zap.String("type", evt.Type), zap.Error(err))
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Source.LatestEventID(ctx, d.MunicipalityID)
	if err != nil {
		d.log().Warn("init cursor failed", zap.Error(err))
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// Cursor returns the id of the last event handled by sink idx.
func (d *Dispatcher) Cursor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[idx]
}

func (d *Dispatcher) log() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

// Envelope is the wire form of an event sent to every sink.
type Envelope struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	MunicipalityID string          `json:"municipality_id"`
	EntityKind     string          `json:"entity_kind"`
	EntityID       string          `json:"entity_id,omitempty"`
	ActorID        string          `json:"actor_id"`
	TS             string          `json:"ts"`
	Payload        json.RawMessage `json:"payload"`
	PayloadRaw     string          `json:"payload_raw,omitempty"`
}

func envelope(municipalityID string, evt domain.Event) Envelope {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	mid := evt.MunicipalityID
	if mid == "" {
		mid = municipalityID
	}
	return Envelope{
		ID:             evt.ID,
		Type:           evt.Type,
		MunicipalityID: mid,
		EntityKind:     evt.EntityKind,
		EntityID:       evt.EntityID,
		ActorID:        evt.ActorID,
		TS:             evt.TS,
		Payload:        payload,
		PayloadRaw:     raw,
	}
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

// match accepts exact types and prefixes ending in ".*", e.g. "referral.*".
func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for k := range f.set {
		if strings.HasSuffix(k, ".*") && strings.HasPrefix(evt, strings.TrimSuffix(k, "*")) {
			return true
		}
	}
	return false
}
