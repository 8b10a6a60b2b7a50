// Package config decodes and validates the JSON Configuration envelope the
// host hands the engine once per tunnel session (spec.md §6).
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"tunnelengine/internal/engineerr"
)

// Route is a CIDR-style address+mask route entry.
type Route struct {
	Address string `json:"address"`
	Mask    string `json:"mask"`
}

// IPv4Settings is the virtual interface's IPv4 addressing.
type IPv4Settings struct {
	Address        string  `json:"address"`
	SubnetMask     string  `json:"subnetMask"`
	RemoteAddress  string  `json:"remoteAddress"`
	IncludedRoutes []Route `json:"includedRoutes"`
	ExcludedRoutes []Route `json:"excludedRoutes"`
}

// IPv6Settings is the optional virtual interface IPv6 addressing.
type IPv6Settings struct {
	Enabled        bool     `json:"enabled"`
	Address        string   `json:"address"`
	PrefixLength   int      `json:"prefixLength"`
	IncludedRoutes []string `json:"includedRoutes"`
	ExcludedRoutes []string `json:"excludedRoutes"`
}

// DNSSettings configures the DNS servers advertised to the host and the
// resolver this module uses for its own lookups.
type DNSSettings struct {
	Servers       []string `json:"servers"`
	SearchDomains []string `json:"searchDomains"`
	MatchDomains  []string `json:"matchDomains"`
	// Internal selects the internal resolver backend (spec.md §9 Open
	// Question): "platform" uses the host address-info API, "stub" uses
	// a recursive/iterative stub resolver. Decoded from dns.internal and
	// defaulted to "platform" when absent.
	Internal string `json:"internal,omitempty"`
}

// MetricsSettings toggles periodic metrics emission. IsEnabled defaults to
// true (spec.md §6), so it is decoded as a pointer to tell "absent" apart
// from "explicitly false".
type MetricsSettings struct {
	IsEnabled         *bool   `json:"isEnabled"`
	ReportingInterval float64 `json:"reportingInterval"`
}

// Enabled reports the effective value, applying the spec.md default.
func (m MetricsSettings) Enabled() bool {
	return m.IsEnabled == nil || *m.IsEnabled
}

// LatencyRule injects artificial latency, globally or per host.
type LatencyRule struct {
	Host      string `json:"host,omitempty"` // empty = global
	LatencyMS int    `json:"latencyMs"`
}

// ShapingRule caps throughput, globally or per host, in bytes/sec.
type ShapingRule struct {
	Host           string `json:"host,omitempty"`
	BytesPerSecond int64  `json:"bytesPerSecond"`
	BurstBytes     int64  `json:"burstBytes"`
}

// Policies bundles the host-supplied policy inputs.
type Policies struct {
	BlockedHosts        []string      `json:"blockedHosts"`
	LatencyRules        []LatencyRule `json:"latencyRules"`
	TrafficShapingRules []ShapingRule `json:"trafficShapingRules"`
}

// MemoryBudget caps the engine's pooled memory usage (spec.md §5).
type MemoryBudget struct {
	PacketPoolBytes    int `json:"packetPoolBytes"`
	PerFlowBufferBytes int `json:"perFlowBufferBytes"`
	MaxFlows           int `json:"maxFlows"`
}

// Logging controls verbosity.
type Logging struct {
	EnableDebug bool `json:"enableDebug"`
}

const (
	defaultMTU                = 1500
	defaultPacketPoolBytes    = 2 << 20
	defaultPerFlowBufferBytes = 16 << 10
	perFlowBufferUpperBound   = 64 << 10
	packetPoolUpperBound      = 64 << 20
	defaultMaxFlows           = 512
	defaultReportingInterval  = 5.0
)

// Configuration is the full envelope, built by the host, validated once,
// and immutable for the lifetime of a tunnel session.
type Configuration struct {
	MTU            int             `json:"mtu"`
	IPv4           IPv4Settings    `json:"ipv4"`
	IPv6           IPv6Settings    `json:"ipv6"`
	DNS            DNSSettings     `json:"dns"`
	Metrics        MetricsSettings `json:"metrics"`
	Policies       Policies        `json:"policies"`
	Memory         MemoryBudget    `json:"memory"`
	Logging        Logging         `json:"logging"`
	EngineLogLevel string          `json:"engineLogLevel"`
}

// Parse decodes the JSON envelope and applies defaults + validation.
func Parse(data []byte) (*Configuration, error) {
	c := &Configuration{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, c); err != nil {
			return nil, &engineerr.InvalidConfiguration{Issues: []string{"malformed json: " + err.Error()}}
		}
		var nested struct {
			Engine struct {
				LogLevel string `json:"logLevel"`
			} `json:"engine"`
		}
		if err := json.Unmarshal(data, &nested); err != nil {
			return nil, &engineerr.InvalidConfiguration{Issues: []string{"malformed json: " + err.Error()}}
		}
		if nested.Engine.LogLevel != "" {
			c.EngineLogLevel = nested.Engine.LogLevel
		}
	}
	c.applyDefaults()
	if issues := c.validate(); len(issues) > 0 {
		return nil, &engineerr.InvalidConfiguration{Issues: issues}
	}
	return c, nil
}

func (c *Configuration) applyDefaults() {
	if c.MTU == 0 {
		c.MTU = defaultMTU
	}
	if len(c.IPv4.IncludedRoutes) == 0 && len(c.IPv4.ExcludedRoutes) == 0 {
		c.IPv4.IncludedRoutes = []Route{{Address: "0.0.0.0", Mask: "0.0.0.0"}}
	}
	if len(c.DNS.MatchDomains) == 0 {
		c.DNS.MatchDomains = []string{""}
	}
	if c.DNS.Internal == "" {
		c.DNS.Internal = "platform"
	}
	if c.Metrics.ReportingInterval == 0 {
		c.Metrics.ReportingInterval = defaultReportingInterval
	}
	if c.Memory.PacketPoolBytes == 0 {
		c.Memory.PacketPoolBytes = defaultPacketPoolBytes
	}
	if c.Memory.PacketPoolBytes > packetPoolUpperBound {
		c.Memory.PacketPoolBytes = packetPoolUpperBound
	}
	if c.Memory.PerFlowBufferBytes == 0 {
		c.Memory.PerFlowBufferBytes = defaultPerFlowBufferBytes
	}
	if c.Memory.PerFlowBufferBytes > perFlowBufferUpperBound {
		c.Memory.PerFlowBufferBytes = perFlowBufferUpperBound
	}
	if c.Memory.MaxFlows == 0 {
		c.Memory.MaxFlows = defaultMaxFlows
	}
	if c.EngineLogLevel == "" {
		c.EngineLogLevel = "warn"
	}
}

// Warnings reports non-fatal configuration concerns: issues spec.md §6
// says to flag without rejecting the envelope, e.g. an MTU outside the
// recommended [576, 9000] range.
func (c *Configuration) Warnings() []string {
	var warnings []string
	if c.MTU < 576 || c.MTU > 9000 {
		warnings = append(warnings, fmt.Sprintf("mtu %d outside recommended [576, 9000]", c.MTU))
	}
	return warnings
}

func (c *Configuration) validate() []string {
	var issues []string
	if c.IPv4.Address != "" && net.ParseIP(c.IPv4.Address) == nil {
		issues = append(issues, "ipv4.address is not a valid dotted IPv4 address")
	}
	if c.IPv4.SubnetMask != "" && net.ParseIP(c.IPv4.SubnetMask) == nil {
		issues = append(issues, "ipv4.subnetMask is not a valid dotted IPv4 address")
	}
	if c.IPv4.RemoteAddress != "" && net.ParseIP(c.IPv4.RemoteAddress) == nil {
		issues = append(issues, "ipv4.remoteAddress is not a valid dotted IPv4 address")
	}
	for _, h := range c.Policies.BlockedHosts {
		if strings.TrimSpace(h) == "" {
			issues = append(issues, "policies.blockedHosts contains an empty entry")
		}
	}
	switch strings.ToLower(c.DNS.Internal) {
	case "platform", "stub":
	default:
		issues = append(issues, fmt.Sprintf("dns.internal %q must be 'platform' or 'stub'", c.DNS.Internal))
	}
	switch strings.ToLower(c.EngineLogLevel) {
	case "debug", "info", "warn", "error":
	default:
		issues = append(issues, fmt.Sprintf("engine.logLevel %q must be one of debug/info/warn/error", c.EngineLogLevel))
	}
	return issues
}
