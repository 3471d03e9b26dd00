package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsServeHTTP(t *testing.T) {
	m := New()
	m.IncConn()
	m.IncConn()
	m.DecConn()
	m.IncJoin()
	m.IncGraceReconnect()
	m.IncBroadcastFailure()

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1.0, body["active_connections"])
	assert.Equal(t, 1.0, body["joins_total"])
	assert.Equal(t, 1.0, body["grace_reconnects_total"])
	assert.Equal(t, 1.0, body["broadcast_failures_total"])
	assert.Zero(t, body["leaves_total"])
}
