package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(nil)

	m.MessageStored("user")
	m.MessageStored("user")
	m.Degraded("embed")
	m.Hits("document", 3)
	m.Hits("conversation", 0)
	m.EchoSuppressed()
	m.ContextAssembled("hybrid")
	m.DocumentIngested("completed")
	m.Purged(4)
	m.ObserveEmbed(12 * time.Millisecond)
	m.ObserveSearch(3 * time.Millisecond)
	m.WSMessage("inbound", "message")
	m.ObserveRequest("/api/chat", 200, 40*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesStored.WithLabelValues("user")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LongTermDegraded.WithLabelValues("embed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RetrievalHits.WithLabelValues("document")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EchoesSuppressed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ContextsAssembled.WithLabelValues("hybrid")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RecencyPurged))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WSMessages.WithLabelValues("inbound", "message")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.HTTPRequests))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.MessageStored("user")
		m.Degraded("search")
		m.Hits("document", 1)
		m.EchoSuppressed()
		m.ContextAssembled("none")
		m.ObserveEmbed(time.Second)
		m.ObserveSearch(time.Second)
		m.DocumentIngested("failed")
		m.Purged(1)
		m.ObserveRequest("/health", 200, time.Millisecond)
		m.WSMessage("outbound", "chunk")
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New(nil)
	m.ContextAssembled("short-term")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `nim_memory_contexts_assembled_total{type="short-term"} 1`))
}
