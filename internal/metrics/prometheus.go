package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// StartServer serves the collector's counters at /metrics on addr until ctx
// is cancelled, in the hand-rolled `text/plain; version=0.0.4` exposition
// format. Blocks until the server exits.
func StartServer(ctx context.Context, addr string, c *Collector) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty metrics address")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(c))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Handler exposes c in the Prometheus text format.
func Handler(c *Collector) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		c.WritePrometheus(w)
	})
}

// WritePrometheus writes a point-in-time exposition of every counter the
// collector tracks.
func (c *Collector) WritePrometheus(w io.Writer) {
	snap := c.Snapshot()

	writeCounterVec(w, "tunnelengine_packets_total", map[string]uint64{
		"dir=in":  snap.InboundPackets,
		"dir=out": snap.OutboundPackets,
	})
	writeCounterVec(w, "tunnelengine_bytes_total", map[string]uint64{
		"dir=in":  snap.InboundBytes,
		"dir=out": snap.OutboundBytes,
	})
	writeGaugeVec(w, "tunnelengine_active_flows", map[string]float64{
		"proto=tcp": float64(snap.ActiveTCP),
		"proto=udp": float64(snap.ActiveUDP),
	})
	fmt.Fprintf(w, "tunnelengine_admission_failures_total %d\n", snap.AdmissionFails)
	fmt.Fprintf(w, "tunnelengine_backpressure_drops_total %d\n", snap.BackpressureDrops)
	fmt.Fprintf(w, "tunnelengine_poll_iterations_total %d\n", snap.PollIterations)
	fmt.Fprintf(w, "tunnelengine_frames_emitted_total %d\n", snap.FramesEmitted)
	fmt.Fprintf(w, "tunnelengine_bytes_emitted_total %d\n", snap.BytesEmitted)
	fmt.Fprintf(w, "tunnelengine_flush_events_total %d\n", snap.FlushEvents)
	fmt.Fprintf(w, "tunnelengine_recent_errors %d\n", len(snap.RecentErrors))
}

func writeCounterVec(w io.Writer, name string, data map[string]uint64) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s{%s} %d\n", name, toPromLabels(k), data[k])
	}
}

func writeGaugeVec(w io.Writer, name string, data map[string]float64) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s{%s} %.0f\n", name, toPromLabels(k), data[k])
	}
}

// toPromLabels turns a "k=v,k2=v2" key into `k="v",k2="v2"`.
func toPromLabels(key string) string {
	parts := strings.Split(key, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out = append(out, fmt.Sprintf("%s=%q", kv[0], kv[1]))
	}
	return strings.Join(out, ",")
}
