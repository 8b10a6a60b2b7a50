// Package refdialer is the reference implementation of internal/dialer.Dialer
// (and, separately, internal/socks5.Dialer): it tunnels outbound TCP and UDP
// through one or more Shadowsocks-over-WebSocket upstreams, picked by a
// health-checked, sticky load balancer with warm standby. It is grounded on
// the teacher's root-package lb.go/warm_standby.go/active_probe.go, adapted
// to internal/wsconn and internal/shadowsocks instead of the teacher's
// nhooyr.io/websocket and go-shadowsocks2.
package refdialer

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HealthcheckConfig tunes the background health-check scheduler.
type HealthcheckConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailThreshold    int           `yaml:"fail_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`

	MinInterval   time.Duration `yaml:"min_interval"`
	MaxInterval   time.Duration `yaml:"max_interval"`
	Jitter        time.Duration `yaml:"jitter"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	RTTScale      float64       `yaml:"rtt_scale"`
}

// SelectionConfig tunes sticky upstream selection and warm standby.
type SelectionConfig struct {
	StickyTTL time.Duration `yaml:"sticky_ttl"`
	Cooldown  time.Duration `yaml:"cooldown"`
	MinSwitch time.Duration `yaml:"min_switch"`

	WarmStandbyN        int           `yaml:"warm_standby_n"`
	WarmStandbyInterval time.Duration `yaml:"warm_standby_interval"`
}

// UpstreamConfig is one Shadowsocks-over-WebSocket server in the pool.
type UpstreamConfig struct {
	Name   string `yaml:"name"`
	Weight int    `yaml:"weight"`

	TCPWSS string `yaml:"tcp_wss"`
	UDPWSS string `yaml:"udp_wss"`

	Cipher string `yaml:"cipher"`
	Secret string `yaml:"secret"`
}

// ProbeConfig tunes the optional active quality probes layered on top of a
// bare WebSocket-reachability health check.
type ProbeConfig struct {
	EnableTCP bool `yaml:"enable_tcp"`
	EnableUDP bool `yaml:"enable_udp"`

	Timeout time.Duration `yaml:"timeout"`

	TCPTarget string `yaml:"tcp_target"`
	UDPTarget string `yaml:"udp_target"`
	DNSName   string `yaml:"dns_name"`
	DNSType   string `yaml:"dns_type"`
}

// ShapingConfig rate-limits the Dialer's aggregate outbound throughput with
// one limiter shared by all upstreams, honoring config.Policies.TrafficShapingRules (spec.md §6
// expansion).
type ShapingConfig struct {
	BytesPerSecond int64 `yaml:"bytes_per_second"`
	BurstBytes     int64 `yaml:"burst_bytes"`
}

// BootstrapConfig is the refdialer's own YAML bootstrap file, loaded once by
// cmd/tunnelengine at startup: where the Shadowsocks-over-WebSocket upstream
// pool lives, and how aggressively to health-check it. It is distinct from
// the host-facing JSON Configuration envelope internal/config decodes per
// tunnel session.
type BootstrapConfig struct {
	Healthcheck HealthcheckConfig `yaml:"healthcheck"`
	Selection   SelectionConfig   `yaml:"selection"`
	Upstreams   []UpstreamConfig  `yaml:"upstreams"`
	Probe       ProbeConfig       `yaml:"probe"`
	Shaping     ShapingConfig     `yaml:"shaping"`
	Fwmark      uint32            `yaml:"fwmark"`
}

// LoadBootstrapConfig reads and defaults a BootstrapConfig from path.
func LoadBootstrapConfig(path string) (*BootstrapConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c BootstrapConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return &c, nil
}

func (c *BootstrapConfig) applyDefaults() {
	if c.Healthcheck.Interval == 0 {
		c.Healthcheck.Interval = 5 * time.Second
	}
	if c.Healthcheck.Timeout == 0 {
		c.Healthcheck.Timeout = 3 * time.Second
	}
	if c.Healthcheck.FailThreshold == 0 {
		c.Healthcheck.FailThreshold = 2
	}
	if c.Healthcheck.SuccessThreshold == 0 {
		c.Healthcheck.SuccessThreshold = 1
	}
	if c.Healthcheck.MinInterval == 0 {
		c.Healthcheck.MinInterval = 1 * time.Second
	}
	if c.Healthcheck.MaxInterval == 0 {
		c.Healthcheck.MaxInterval = 30 * time.Second
	}
	if c.Healthcheck.Jitter == 0 {
		c.Healthcheck.Jitter = 200 * time.Millisecond
	}
	if c.Healthcheck.BackoffFactor == 0 {
		c.Healthcheck.BackoffFactor = 1.6
	}
	if c.Healthcheck.RTTScale == 0 {
		c.Healthcheck.RTTScale = 0.25
	}
	if c.Selection.StickyTTL == 0 {
		c.Selection.StickyTTL = 60 * time.Second
	}
	if c.Selection.Cooldown == 0 {
		c.Selection.Cooldown = 20 * time.Second
	}
	if c.Selection.MinSwitch == 0 {
		c.Selection.MinSwitch = 20 * time.Millisecond
	}
	if c.Selection.WarmStandbyN == 0 {
		c.Selection.WarmStandbyN = 2
	}
	if c.Selection.WarmStandbyInterval == 0 {
		c.Selection.WarmStandbyInterval = 2 * time.Second
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = 2 * time.Second
	}
	if c.Probe.TCPTarget == "" {
		c.Probe.TCPTarget = "example.com:80"
	}
	if c.Probe.UDPTarget == "" {
		c.Probe.UDPTarget = "1.1.1.1:53"
	}
	if c.Probe.DNSName == "" {
		c.Probe.DNSName = "example.com"
	}
	if c.Probe.DNSType == "" {
		c.Probe.DNSType = "A"
	}
	if !c.Probe.EnableTCP && !c.Probe.EnableUDP {
		c.Probe.EnableTCP = true
		c.Probe.EnableUDP = true
	}
	for i := range c.Upstreams {
		if c.Upstreams[i].Weight <= 0 {
			c.Upstreams[i].Weight = 1
		}
	}
}

// outlineWSKey is the shape of an Outline-style WebSocket access key, the
// same YAML transport descriptor the teacher's internal/config/parser.go
// decoded. Only the WebSocket-transport case is kept here: refdialer always
// requires a WS upstream, unlike the teacher's key parser, which also
// accepted a bare ss://host:port key with no WebSocket hop.
type outlineWSKey struct {
	Transport struct {
		Type string `yaml:"$type"`
		TCP  struct {
			Type     string `yaml:"$type"`
			Endpoint struct {
				Type string `yaml:"$type"`
				URL  string `yaml:"url"`
			} `yaml:"endpoint"`
			Cipher string `yaml:"cipher"`
			Secret string `yaml:"secret"`
		} `yaml:"tcp"`
		UDP *struct {
			Type string `yaml:"$type"`
			Path string `yaml:"path"`
		} `yaml:"udp,omitempty"`
	} `yaml:"transport"`
}

// ParseUpstreamKey decodes one access key into an UpstreamConfig. The key
// may be the YAML transport descriptor itself, base64 of that descriptor,
// or a path to a file holding either.
func ParseUpstreamKey(key, name string) (UpstreamConfig, error) {
	if strings.Contains(key, "$type:") || strings.Contains(key, "transport:") {
		return parseOutlineWSKey(key, name)
	}
	if st, err := os.Stat(key); err == nil && !st.IsDir() {
		b, err := os.ReadFile(key)
		if err != nil {
			return UpstreamConfig{}, err
		}
		return ParseUpstreamKey(string(b), name)
	}
	if decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(key)); err == nil {
		return parseOutlineWSKey(string(decoded), name)
	}
	return UpstreamConfig{}, fmt.Errorf("refdialer: unsupported access key format")
}

func parseOutlineWSKey(key, name string) (UpstreamConfig, error) {
	var wk outlineWSKey
	if err := yaml.Unmarshal([]byte(key), &wk); err != nil {
		return UpstreamConfig{}, fmt.Errorf("refdialer: invalid access key yaml: %w", err)
	}
	if wk.Transport.Type != "tcp" {
		return UpstreamConfig{}, fmt.Errorf("refdialer: unsupported transport type %q", wk.Transport.Type)
	}
	u, err := url.Parse(wk.Transport.TCP.Endpoint.URL)
	if err != nil {
		return UpstreamConfig{}, fmt.Errorf("refdialer: invalid websocket url: %w", err)
	}

	up := UpstreamConfig{
		Name:   name,
		Weight: 1,
		TCPWSS: u.String(),
		Cipher: wk.Transport.TCP.Cipher,
		Secret: wk.Transport.TCP.Secret,
	}
	if wk.Transport.UDP != nil {
		udpURL := *u
		udpURL.Path = wk.Transport.UDP.Path
		up.UDPWSS = udpURL.String()
	}
	return up, nil
}
