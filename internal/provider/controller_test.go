package provider

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tunnelengine/internal/config"
	"tunnelengine/internal/dialer"
)

// stubDialer is a minimal dialer.Dialer that never actually connects
// anywhere; it only has to satisfy the interface for construction and
// lifecycle tests that never push real traffic through the stack.
type stubDialer struct {
	mu   sync.Mutex
	next dialer.Handle
}

func (d *stubDialer) TCPDial(ctx context.Context, host string, port int) (dialer.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	return d.next, nil
}
func (d *stubDialer) TCPWrite(h dialer.Handle, b []byte) (int, error) { return len(b), nil }
func (d *stubDialer) TCPClose(dialer.Handle)                         {}
func (d *stubDialer) UDPDial(ctx context.Context, host string, port int) (dialer.Handle, error) {
	return d.TCPDial(ctx, host, port)
}
func (d *stubDialer) UDPWrite(h dialer.Handle, b []byte) (int, error) { return len(b), nil }
func (d *stubDialer) UDPClose(dialer.Handle)                         {}

var _ dialer.Dialer = (*stubDialer)(nil)

// recordingSink captures every provider.Sink call for assertions.
type recordingSink struct {
	mu        sync.Mutex
	willStart int
	didStart  int
	didStop   int
	failures  []string
}

func (s *recordingSink) WillStart() { s.mu.Lock(); s.willStart++; s.mu.Unlock() }
func (s *recordingSink) DidStart()  { s.mu.Lock(); s.didStart++; s.mu.Unlock() }
func (s *recordingSink) DidStop()   { s.mu.Lock(); s.didStop++; s.mu.Unlock() }
func (s *recordingSink) DidFail(message string, fatal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, message)
}

func (s *recordingSink) counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.willStart, s.didStart, s.didStop
}

func testConfig(t *testing.T, blockedHosts ...string) *config.Configuration {
	t.Helper()
	body := map[string]any{
		"policies": map[string]any{"blockedHosts": blockedHosts},
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	cfg, err := config.Parse(data)
	require.NoError(t, err)
	return cfg
}

func TestNewRejectsNilConfigAndDialer(t *testing.T) {
	_, err := New(nil, Options{Dialer: &stubDialer{}})
	require.Error(t, err)

	_, err = New(testConfig(t), Options{})
	require.Error(t, err)
}

func TestNewDefaultsToNopSink(t *testing.T) {
	c, err := New(testConfig(t), Options{Dialer: &stubDialer{}})
	require.NoError(t, err)
	require.IsType(t, NopSink{}, c.sink)
}

func TestControllerStartStopLifecycle(t *testing.T) {
	sink := &recordingSink{}
	c, err := New(testConfig(t), Options{Dialer: &stubDialer{}, Sink: sink})
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, didStart, _ := sink.counts()
		return didStart == 1
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	willStart, didStart, didStop := sink.counts()
	require.Equal(t, 1, willStart)
	require.Equal(t, 1, didStart)
	require.Equal(t, 1, didStop)
}

func TestControllerEngineSinkAndTunDeviceNonNil(t *testing.T) {
	c, err := New(testConfig(t), Options{Dialer: &stubDialer{}})
	require.NoError(t, err)
	require.NotNil(t, c.EngineSink())
	require.NotNil(t, c.TunDevice())
}

func TestHandleControlInstallAndRemoveHostRule(t *testing.T) {
	c, err := New(testConfig(t), Options{Dialer: &stubDialer{}})
	require.NoError(t, err)

	installPayload, err := json.Marshal(installHostRuleRequest{Host: "blocked.example.com"})
	require.NoError(t, err)
	resp := c.HandleControl(ControlRequest{Kind: "installHostRules", Payload: installPayload})
	require.True(t, resp.OK)

	blocked, _ := c.policy.snapshot()
	require.True(t, blocked.Matches("blocked.example.com"))
	require.True(t, blocked.Matches("sub.blocked.example.com"))

	removePayload, err := json.Marshal(removeHostRuleRequest{Host: "blocked.example.com"})
	require.NoError(t, err)
	resp = c.HandleControl(ControlRequest{Kind: "removeHostRule", Payload: removePayload})
	require.True(t, resp.OK)

	blocked, _ = c.policy.snapshot()
	require.False(t, blocked.Matches("blocked.example.com"))
}

func TestHandleControlDNSHistoryAndTelemetryDrain(t *testing.T) {
	c, err := New(testConfig(t), Options{Dialer: &stubDialer{}})
	require.NoError(t, err)

	resp := c.HandleControl(ControlRequest{Kind: "dnsHistory"})
	require.True(t, resp.OK)
	var entries []dnsHistoryEntry
	require.NoError(t, json.Unmarshal(resp.Payload, &entries))
	require.Empty(t, entries)

	resp = c.HandleControl(ControlRequest{Kind: "telemetryDrain"})
	require.True(t, resp.OK)
	require.NotEmpty(t, resp.Payload)
}

func TestHandleControlUnknownKind(t *testing.T) {
	c, err := New(testConfig(t), Options{Dialer: &stubDialer{}})
	require.NoError(t, err)

	resp := c.HandleControl(ControlRequest{Kind: "doesNotExist"})
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.Error)
}

func TestConfigBlockedHostsPrewarmsForwardHostViaResolver(t *testing.T) {
	resolved := func(ctx context.Context, host string) ([]string, error) {
		if host == "blocked.example.com" {
			return []string{"93.184.216.34"}, nil
		}
		return nil, nil
	}
	c, err := New(testConfig(t, "blocked.example.com"), Options{
		Dialer:       &stubDialer{},
		HostResolver: resolved,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.forwardHost.Len() == 1
	}, time.Second, 5*time.Millisecond)

	ip, ok := ipFromString("93.184.216.34")
	require.True(t, ok)
	host, ok := c.forwardHost.Lookup(ip)
	require.True(t, ok)
	require.Equal(t, "blocked.example.com", host)
}
