package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suasflow/internal/config"
	"suasflow/internal/domain"
)

type memSource struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memSource) add(typ, entityID, payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, domain.Event{
		ID: int64(len(m.events) + 1), Type: typ, MunicipalityID: "3550308", EntityKind: "task", EntityID: entityID,
		ActorID: "automation", TS: "2024-06-10T12:00:00.000000Z", Payload: payload,
	})
}

func (m *memSource) EventsAfter(_ context.Context, limit int, cursor int64, _ string) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memSource) LatestEventID(context.Context, string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events)), nil
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestWebhookDeliversNewEventsOnly(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Envelope
		headers  []http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		mu.Lock()
		received = append(received, env)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	src := &memSource{}
	src.add("automation.task.created", "old", `{}`)
	sinks, closeFn := FromConfig(config.NotifyConfig{Webhooks: []config.WebhookConfig{{URL: srv.URL, Secret: "s3cr3t", Events: []string{"automation.task.*"}}}})
	defer closeFn()
	require.Len(t, sinks, 1)
	d := &Dispatcher{Source: src, MunicipalityID: "3550308", Sinks: sinks}

	d.DispatchAll(context.Background())
	assert.Empty(t, received, "events older than the dispatcher are not replayed")

	src.add("automation.task.created", "t1", `{"rule_key":"caso_sem_movimentacao"}`)
	src.add("referral.advanced", "r1", `{}`)
	src.add("automation.task.created", "t2", `not json`)
	d.DispatchAll(context.Background())

	require.Len(t, received, 2)
	assert.Equal(t, "t1", received[0].EntityID)
	assert.JSONEq(t, `{"rule_key":"caso_sem_movimentacao"}`, string(received[0].Payload))
	assert.Equal(t, "not json", received[1].PayloadRaw)
	assert.Equal(t, "s3cr3t", headers[0].Get("X-Suas-Secret"))
	assert.Equal(t, "automation.task.created", headers[0].Get("X-Suas-Event"))
	assert.Equal(t, int64(4), d.Cursor(0))
}

func TestWebhookFailureKeepsCursor(t *testing.T) {
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	src := &memSource{}
	d := &Dispatcher{Source: src, MunicipalityID: "3550308", Sinks: []Sink{NewWebhookSink(config.WebhookConfig{URL: srv.URL})}}
	d.DispatchAll(context.Background())

	src.add("referral.created", "r1", `{}`)
	d.DispatchAll(context.Background())
	assert.Equal(t, int64(0), d.Cursor(0))

	fail = false
	d.DispatchAll(context.Background())
	assert.Equal(t, int64(1), d.Cursor(0))
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{Writer: w, Topic: "suas.events", filter: newEventFilter(nil)}
	src := &memSource{}
	d := &Dispatcher{Source: src, MunicipalityID: "3550308", Sinks: []Sink{sink}}
	d.DispatchAll(context.Background())

	src.add("automation.task.created", "t1", `{"priority":"alta"}`)
	d.DispatchAll(context.Background())
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "t1", string(w.msgs[0].Key))
	var env Envelope
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &env))
	assert.Equal(t, "3550308", env.MunicipalityID)
	assert.Equal(t, "automation.task.created", string(w.msgs[0].Headers[0].Value))

	w.err = errors.New("leader not available")
	src.add("automation.task.created", "t2", `{}`)
	d.DispatchAll(context.Background())
	assert.Equal(t, int64(1), d.Cursor(0))
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"referral.*", "automation.task.created", " "})
	assert.True(t, f.match("referral.cancelled"))
	assert.True(t, f.match("automation.task.created"))
	assert.False(t, f.match("automation.rule.executed"))
	assert.True(t, newEventFilter([]string{""}).match("anything"))
}
