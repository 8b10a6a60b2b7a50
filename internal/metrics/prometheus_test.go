package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWritePrometheusExposesCounters(t *testing.T) {
	c := New(nil, 0)
	defer c.Close()

	c.Record(Inbound, 3, 300)
	c.Record(Outbound, 1, 50)
	c.AdjustActiveConnections(2, 1)
	c.RecordEngine(EngineCounters{AdmissionFails: 4, FramesEmitted: 7})

	var b strings.Builder
	c.WritePrometheus(&b)
	out := b.String()

	require.Contains(t, out, `tunnelengine_packets_total{dir="in"} 3`)
	require.Contains(t, out, `tunnelengine_bytes_total{dir="out"} 50`)
	require.Contains(t, out, `tunnelengine_active_flows{proto="tcp"} 2`)
	require.Contains(t, out, "tunnelengine_admission_failures_total 4")
	require.Contains(t, out, "tunnelengine_frames_emitted_total 7")
}

func TestHandlerSetsExpositionContentType(t *testing.T) {
	c := New(nil, 0)
	defer c.Close()
	c.Record(Inbound, 1, 10)

	rec := httptest.NewRecorder()
	Handler(c).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, "text/plain; version=0.0.4", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), `tunnelengine_packets_total{dir="in"} 1`)
}
