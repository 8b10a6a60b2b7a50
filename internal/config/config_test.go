package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tunnelengine/internal/engineerr"
)

func TestParseEmptyAppliesDefaults(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, 1500, c.MTU)
	require.Equal(t, []Route{{Address: "0.0.0.0", Mask: "0.0.0.0"}}, c.IPv4.IncludedRoutes)
	require.Equal(t, []string{""}, c.DNS.MatchDomains)
	require.Equal(t, "platform", c.DNS.Internal)
	require.True(t, c.Metrics.Enabled())
	require.Equal(t, 5.0, c.Metrics.ReportingInterval)
	require.Equal(t, 2<<20, c.Memory.PacketPoolBytes)
	require.Equal(t, 16<<10, c.Memory.PerFlowBufferBytes)
	require.Equal(t, 512, c.Memory.MaxFlows)
	require.Equal(t, "warn", c.EngineLogLevel)
}

func TestParseMalformedJSON(t *testing.T) {
	_, err := Parse([]byte("{not json"))
	var ic *engineerr.InvalidConfiguration
	require.ErrorAs(t, err, &ic)
}

func TestMetricsExplicitlyDisabled(t *testing.T) {
	c, err := Parse([]byte(`{"metrics":{"isEnabled":false}}`))
	require.NoError(t, err)
	require.False(t, c.Metrics.Enabled())
}

func TestValidateRejectsBadAddresses(t *testing.T) {
	_, err := Parse([]byte(`{"ipv4":{"address":"not-an-ip"}}`))
	var ic *engineerr.InvalidConfiguration
	require.ErrorAs(t, err, &ic)
	require.Len(t, ic.Issues, 1)
	require.Contains(t, ic.Issues[0], "ipv4.address")
}

func TestValidateCollectsMultipleIssues(t *testing.T) {
	_, err := Parse([]byte(`{
		"ipv4": {"address": "bad", "subnetMask": "also-bad"},
		"policies": {"blockedHosts": [" "]}
	}`))
	var ic *engineerr.InvalidConfiguration
	require.ErrorAs(t, err, &ic)
	require.Len(t, ic.Issues, 3)
}

func TestValidateRejectsUnknownResolverBackend(t *testing.T) {
	_, err := Parse([]byte(`{"dns":{"internal":"carrier-pigeon"}}`))
	require.Error(t, err)
}

func TestWarningsOnMTUOutsideRange(t *testing.T) {
	c, err := Parse([]byte(`{"mtu":100}`))
	require.NoError(t, err)
	require.Len(t, c.Warnings(), 1)

	c, err = Parse([]byte(`{"mtu":1500}`))
	require.NoError(t, err)
	require.Empty(t, c.Warnings())
}

func TestPerFlowBufferClamped(t *testing.T) {
	c, err := Parse([]byte(`{"memory":{"perFlowBufferBytes":1048576}}`))
	require.NoError(t, err)
	require.Equal(t, 64<<10, c.Memory.PerFlowBufferBytes)
}
