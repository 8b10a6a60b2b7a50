package refdialer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSelection() SelectionConfig {
	return SelectionConfig{
		StickyTTL: time.Minute,
		Cooldown:  time.Second,
		MinSwitch: 20 * time.Millisecond,
	}
}

func testHealthcheck() HealthcheckConfig {
	return HealthcheckConfig{Interval: time.Second}
}

func TestPickTCPPrefersLowerRTT(t *testing.T) {
	lb := NewLoadBalancer(
		[]UpstreamConfig{{Name: "slow", Weight: 1}, {Name: "fast", Weight: 1}},
		testHealthcheck(), testSelection(), ProbeConfig{}, 0, nil,
	)
	lb.pool[0].tcp = hcState{healthy: true, rttEWMA: 200 * time.Millisecond, lastCheckTime: time.Now()}
	lb.pool[1].tcp = hcState{healthy: true, rttEWMA: 20 * time.Millisecond, lastCheckTime: time.Now()}

	best, err := lb.PickTCP()
	require.NoError(t, err)
	require.Equal(t, "fast", best.cfg.Name)
}

func TestPickTCPStaysStickyWithinHysteresis(t *testing.T) {
	lb := NewLoadBalancer(
		[]UpstreamConfig{{Name: "a", Weight: 1}, {Name: "b", Weight: 1}},
		testHealthcheck(), testSelection(), ProbeConfig{}, 0, nil,
	)
	lb.pool[0].tcp = hcState{healthy: true, rttEWMA: 30 * time.Millisecond, lastCheckTime: time.Now()}

	first, err := lb.PickTCP()
	require.NoError(t, err)
	require.Equal(t, "a", first.cfg.Name)

	// "b" comes up only marginally faster than the current pick "a" (5ms,
	// under MinSwitch's 20ms threshold). With the sticky TTL expired, the
	// hysteresis check alone decides, and the balancer should not flap.
	lb.pool[1].tcp = hcState{healthy: true, rttEWMA: 25 * time.Millisecond, lastCheckTime: time.Now()}
	lb.stickyUntil = time.Time{}
	second, err := lb.PickTCP()
	require.NoError(t, err)
	require.Equal(t, "a", second.cfg.Name)
}

func TestPickTCPErrorsWithNoHealthyUpstream(t *testing.T) {
	lb := NewLoadBalancer(
		[]UpstreamConfig{{Name: "only", Weight: 1}},
		testHealthcheck(), testSelection(), ProbeConfig{}, 0, nil,
	)
	_, err := lb.PickTCP()
	require.ErrorIs(t, err, errNoHealthyUpstream)
}

func TestReportTCPFailureMarksUnhealthyAndDropsSticky(t *testing.T) {
	lb := NewLoadBalancer(
		[]UpstreamConfig{{Name: "only", Weight: 1}},
		testHealthcheck(), testSelection(), ProbeConfig{}, 0, nil,
	)
	lb.pool[0].tcp = hcState{healthy: true, rttEWMA: 10 * time.Millisecond, lastCheckTime: time.Now()}

	up, err := lb.PickTCP()
	require.NoError(t, err)

	lb.ReportTCPFailure(up, errors.New("dial refused"))
	require.False(t, up.tcp.healthy)

	_, err = lb.PickTCP()
	require.Error(t, err)
}
