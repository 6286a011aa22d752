package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paiban/continuity/internal/config"
	"github.com/paiban/continuity/pkg/model"
	"github.com/paiban/continuity/pkg/orchestrator"
)

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type mockClient struct {
	mu           sync.Mutex
	failures     int
	messages     []published
	attempts     int
	disconnected bool
}

func (m *mockClient) IsConnected() bool       { return true }
func (m *mockClient) Disconnect(quiesce uint) { m.disconnected = true }
func (m *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.attempts <= m.failures {
		return &mockToken{err: errors.New("broker unavailable")}
	}
	m.messages = append(m.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return &mockToken{}
}

type mockToken struct{ err error }

func (t *mockToken) Wait() bool                       { return true }
func (t *mockToken) WaitTimeout(_ time.Duration) bool { return true }
func (t *mockToken) Error() error                     { return t.err }
func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func sampleResult() *orchestrator.Result {
	base := model.NewRun("ds-1", model.PhaseUnconstrained, "fp-1")
	base.Status = model.RunCompleted
	base.KPIs = &model.KPIs{UnassignedVisits: 0, Continuity: model.ContinuityStats{Avg: 3.5, Max: 4}}
	pooled := model.NewRun("ds-1", model.PhasePooled, "fp-2")
	pooled.Status = model.RunCompleted
	pooled.PoolK = 2
	pooled.KPIs = &model.KPIs{UnassignedVisits: 1, Continuity: model.ContinuityStats{Avg: 2, Max: 2}}

	return &orchestrator.Result{
		DatasetID:     "ds-1",
		Unconstrained: base,
		Pooled:        pooled,
		Pool:          &model.ContinuityPool{K: 2},
		Comparison:    map[string]float64{"avg_distinct_diff": -1.5},
	}
}

func TestMQTTReporter_Report(t *testing.T) {
	mc := &mockClient{}
	r := NewMQTTReporter(mc, config.MQTTConfig{Topic: "continuity/results", QoS: 1})

	require.NoError(t, r.Report(context.Background(), sampleResult()))
	require.Len(t, mc.messages, 1)

	msg := mc.messages[0]
	assert.Equal(t, "continuity/results/ds-1", msg.topic)
	assert.Equal(t, byte(1), msg.qos)

	var decoded Message
	require.NoError(t, json.Unmarshal(msg.payload, &decoded))
	assert.Equal(t, "ds-1", decoded.DatasetID)
	assert.Equal(t, 2, decoded.PoolK)
	require.Len(t, decoded.Runs, 2)
	assert.Equal(t, model.PhaseUnconstrained, decoded.Runs[0].Phase)
	assert.Equal(t, 2, decoded.Runs[1].MaxDistinct)
	assert.InDelta(t, -1.5, decoded.Comparison["avg_distinct_diff"], 1e-9)
}

func TestMQTTReporter_RetriesThenSucceeds(t *testing.T) {
	mc := &mockClient{failures: 2}
	r := NewMQTTReporter(mc, config.MQTTConfig{Topic: "t", Retries: 3, BackoffMS: 1})

	require.NoError(t, r.Report(context.Background(), sampleResult()))
	assert.Equal(t, 3, mc.attempts)
	assert.Len(t, mc.messages, 1)
}

func TestMQTTReporter_GivesUp(t *testing.T) {
	mc := &mockClient{failures: 10}
	r := NewMQTTReporter(mc, config.MQTTConfig{Topic: "t", Retries: 2, BackoffMS: 1})

	err := r.Report(context.Background(), sampleResult())
	require.Error(t, err)
	assert.Equal(t, 3, mc.attempts)
	assert.Empty(t, mc.messages)
}

func TestMQTTReporter_Close(t *testing.T) {
	mc := &mockClient{}
	NewMQTTReporter(mc, config.MQTTConfig{Topic: "t"}).Close()
	assert.True(t, mc.disconnected)
}
