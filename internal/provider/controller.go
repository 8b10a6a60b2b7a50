package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tunnelengine/internal/bufpool"
	"tunnelengine/internal/classifier"
	"tunnelengine/internal/config"
	"tunnelengine/internal/dialer"
	"tunnelengine/internal/engineerr"
	"tunnelengine/internal/eventbus"
	"tunnelengine/internal/flowmanager"
	"tunnelengine/internal/flowtracker"
	"tunnelengine/internal/forwardhost"
	"tunnelengine/internal/logging"
	"tunnelengine/internal/metrics"
	"tunnelengine/internal/packet"
	"tunnelengine/internal/resolver"
	"tunnelengine/internal/socks5"
	"tunnelengine/internal/stack"
	"tunnelengine/internal/stream"
	"tunnelengine/internal/tundev"
)

// Options bundles the pieces of an engine session that a host collaborator
// must supply, beyond the Configuration itself: the dialer bridge
// (spec.md §4.5), an optional DNS override closure, a lifecycle Sink, a
// domain signature list for the classifier, and an optional SOCKS5
// Dialer for the alternate egress mode of spec.md §4.13.
type Options struct {
	Dialer         dialer.Dialer
	HostResolver   dialer.Resolver
	Sink           Sink
	Signatures     []classifier.Signature
	SOCKS5Dialer   socks5.Dialer
	SOCKS5Port     int
	MetricsStorePath string

	// MetricsAddr, when non-empty, serves the collector's counters at
	// /metrics in the Prometheus text exposition format.
	MetricsAddr string
}

// Controller is the spec.md §4.14 provider controller: it owns the tun
// device, userspace stack, flow manager, packet-sample pipeline,
// classifier, metrics collector, event bus, and (when configured) the
// SOCKS5 relay, and routes lifecycle events and control-channel requests
// to the host. It is adapted from the teacher's manager.VPNManager
// connect/disconnect lifecycle, generalized from "manage one Shadowsocks
// server process" to "own the whole in-process engine".
type Controller struct {
	cfg  *config.Configuration
	opt  Options
	sink Sink
	log  *logrus.Logger

	dev    *tundev.Device
	engine *stack.Engine
	forwardHost  *forwardhost.Tracker
	classifier   *classifier.Classifier
	flowTracker  *flowtracker.Tracker
	burstTracker *flowtracker.BurstTracker
	sampleStream *stream.Stream
	bus         *eventbus.Bus
	metrics     *metrics.Collector
	store       *metrics.Store
	socksServer *socks5.Server
	resolver    *resolver.Resolver

	policy *policyDialer

	mu      sync.RWMutex
	blocked BlockedHostSet
	latency []config.LatencyRule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Controller from cfg and opt. It does not start anything;
// call Start to run the engine.
func New(cfg *config.Configuration, opt Options) (*Controller, error) {
	if cfg == nil {
		return nil, &engineerr.InvalidConfiguration{Issues: []string{"configuration is nil"}}
	}
	if opt.Dialer == nil {
		return nil, &engineerr.InvalidConfiguration{Issues: []string{"options.Dialer is required"}}
	}
	sink := opt.Sink
	if sink == nil {
		sink = NopSink{}
	}
	log := logging.New(cfg.EngineLogLevel, cfg.Logging.EnableDebug)

	c := &Controller{
		cfg:  cfg,
		opt:  opt,
		sink: sink,
		log:  log,
	}

	c.forwardHost = forwardhost.New(0, 10*time.Minute)
	c.classifier = classifier.New(opt.Signatures, 0)
	c.flowTracker = flowtracker.New(0, 0)
	c.burstTracker = flowtracker.NewBurstTracker(0, 0)
	c.sampleStream = stream.New(0, 0)
	c.bus = eventbus.New(eventbus.Redactor{Enabled: true})
	c.resolver = resolver.New(opt.HostResolver, resolver.Backend(cfg.DNS.Internal), cfg.DNS.Servers, c.forwardHost)

	c.blocked = NewBlockedHostSet(cfg.Policies.BlockedHosts)
	c.latency = cfg.Policies.LatencyRules

	c.policy = newPolicyDialer(opt.Dialer, c.forwardHost, c.onBlockedDial)
	c.policy.setPolicy(c.blocked, c.latency)
	c.prewarmBlockedHosts(cfg.Policies.BlockedHosts)

	var metricsSink metrics.Sink
	var metricsInterval time.Duration
	if cfg.Metrics.Enabled() {
		metricsSink = c.metricsSink
		metricsInterval = time.Duration(cfg.Metrics.ReportingInterval * float64(time.Second))
	}
	if opt.MetricsStorePath != "" {
		c.store = metrics.NewStore(opt.MetricsStorePath, metrics.FormatNDJSON, 10000, 64<<20)
	}
	c.metrics = metrics.New(metricsSink, metricsInterval)

	c.dev = tundev.New(cfg.MTU, int64(cfg.Memory.PacketPoolBytes))

	// memory.maxFlows tightens the per-transport admission caps when it is
	// lower than their spec default; a larger budget leaves the caps alone.
	flowCap := 0
	if cfg.Memory.MaxFlows > 0 && cfg.Memory.MaxFlows < 128 {
		flowCap = cfg.Memory.MaxFlows
	}
	c.engine = stack.New(c.dev, c.policy, stack.Options{
		MTU:         cfg.MTU,
		PoolBytes:   int64(cfg.Memory.PacketPoolBytes),
		WindowBytes: cfg.Memory.PerFlowBufferBytes,
		Flow: flowmanager.Options{
			MTU:    cfg.MTU,
			TCPCap: flowCap,
			UDPCap: flowCap,
		},
		Observer: c.observe,
	}, c.metrics, log)

	if opt.SOCKS5Dialer != nil {
		c.socksServer = socks5.New(opt.SOCKS5Dialer, log)
	}

	return c, nil
}

// prewarmBlockedHosts resolves each blocked host through the DNS resolver
// and records the result into the forward-host tracker, so that suffix
// blocking (spec.md §8) applies to a blocked domain's IPs immediately,
// rather than only after the engine happens to observe a DNS answer or
// TLS SNI for it.
func (c *Controller) prewarmBlockedHosts(hosts []string) {
	for _, h := range hosts {
		host := h
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			addrs, err := c.resolver.Resolve(ctx, host)
			if err != nil {
				return
			}
			for _, a := range addrs {
				if ip, ok := ipFromString(a); ok {
					c.forwardHost.Record(ip, host)
				}
			}
		}()
	}
}

// EngineSink returns the dialer.InboundConnection the host must register
// as the receiving end of on_tcp_receive/on_udp_receive/*_close.
func (c *Controller) EngineSink() dialer.InboundConnection { return c.engine.Manager() }

// TunDevice exposes the tundev.Device the host's packet-flow callback
// reads from and injects into (spec.md §4.1).
func (c *Controller) TunDevice() *tundev.Device { return c.dev }

// Start launches the poll loop, the optional SOCKS5 relay, and reports
// willStart/didStart to the sink. It returns once the engine has begun
// running; the poll loop itself continues on a background goroutine until
// Stop is called or ctx is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	c.sink.WillStart()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.socksServer != nil {
		if _, err := c.socksServer.Start(runCtx, c.opt.SOCKS5Port); err != nil {
			cancel()
			err = &engineerr.EngineStartFailed{Message: fmt.Sprintf("socks5 start: %v", err)}
			c.sink.DidFail(err.Error(), true)
			return err
		}
	}

	if c.opt.MetricsAddr != "" {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := metrics.StartServer(runCtx, c.opt.MetricsAddr, c.metrics); err != nil {
				c.log.WithError(err).Warn("metrics server")
			}
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.engine.Run(runCtx); err != nil && err != context.Canceled {
			c.sink.DidFail(err.Error(), true)
		}
	}()

	c.sink.DidStart()
	return nil
}

// Stop tears down the engine, the SOCKS5 relay, and the event bus/metrics
// collector's background goroutines, then reports didStop.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.engine.Close()
	c.dev.Stop()
	if c.socksServer != nil {
		c.socksServer.Stop()
	}
	c.wg.Wait()
	c.bus.Close()
	c.metrics.Close()
	c.sampleStream.Close()
	c.sink.DidStop()
}

// UpdateConfiguration rebuilds the blocked-host set and latency rules from
// a freshly validated Configuration, applied to subsequent dials without
// restarting the engine (spec.md §3: "rebuilt whenever configuration
// changes").
func (c *Controller) UpdateConfiguration(cfg *config.Configuration) {
	c.mu.Lock()
	c.blocked = NewBlockedHostSet(cfg.Policies.BlockedHosts)
	c.latency = cfg.Policies.LatencyRules
	blocked, latency := c.blocked, c.latency
	c.mu.Unlock()
	c.policy.setPolicy(blocked, latency)
	c.prewarmBlockedHosts(cfg.Policies.BlockedHosts)
}

func (c *Controller) addBlockedHost(host string) {
	c.mu.Lock()
	hosts := make([]string, 0, len(c.blocked.hosts)+1)
	for h := range c.blocked.hosts {
		hosts = append(hosts, h)
	}
	hosts = append(hosts, host)
	c.blocked = NewBlockedHostSet(hosts)
	blocked, latency := c.blocked, c.latency
	c.mu.Unlock()
	c.policy.setPolicy(blocked, latency)
	c.prewarmBlockedHosts([]string{host})
}

func (c *Controller) removeBlockedHost(host string) {
	c.mu.Lock()
	hosts := make([]string, 0, len(c.blocked.hosts))
	for h := range c.blocked.hosts {
		if h != normalizeHost(host) {
			hosts = append(hosts, h)
		}
	}
	c.blocked = NewBlockedHostSet(hosts)
	blocked, latency := c.blocked, c.latency
	c.mu.Unlock()
	c.policy.setPolicy(blocked, latency)
}

func (c *Controller) onBlockedDial(host string) {
	c.bus.Publish(eventbus.Event{
		Category:   eventbus.CategoryPolicy,
		Confidence: eventbus.ConfidenceHigh,
		Details:    map[string]string{"host": host, "reason": "blocked"},
	})
	c.sink.DidFail("blocked: "+host, false)
}

func (c *Controller) metricsSink(snap metrics.Snapshot) {
	if c.store != nil {
		_ = c.store.Append(snap)
	}
}

// observe is the stack.Options.Observer hook: it runs the packet-parsing
// pipeline over every frame the engine sees in either direction, feeding
// the result into the flow/burst trackers, the classifier, the
// forward-host tracker, the sample stream, and (for DNS/TLS/QUIC
// observations) the event bus, per spec.md §2's "out-of-band" control
// flow.
func (c *Controller) observe(inbound bool, frame []byte) {
	md := packet.Parse(frame, packet.DefaultHint)
	if md == nil {
		return
	}
	now := time.Now()

	key := bufpool.FlowKey{
		Version:   md.Version,
		Transport: md.Transport,
		SrcIP:     md.SrcIP,
		DstIP:     md.DstIP,
		SrcPort:   md.SrcPort,
		DstPort:   md.DstPort,
	}
	flowID, burstID := c.flowTracker.FlowID(key, now)
	burstMetrics := c.burstTracker.Record(flowID, burstID, now, md.Length)
	if burstMetrics.PacketCount == 1 && burstID > 0 {
		c.bus.Publish(eventbus.Event{
			Category:   eventbus.CategoryBurst,
			Confidence: eventbus.ConfidenceLow,
			Details:    map[string]string{"flow": fmt.Sprintf("%d", flowID), "burst": fmt.Sprintf("%d", burstID)},
		})
	}

	dir := stream.DirInbound
	if !inbound {
		dir = stream.DirOutbound
	}

	sample := stream.Sample{
		Timestamp: now,
		Direction: dir,
		Version:   md.Version,
		Transport: md.Transport,
		Bytes:     md.Length,
		FlowID:    flowID,
		BurstID:   burstID,
		SrcPort:   md.SrcPort,
		DstPort:   md.DstPort,
		HasPorts:  md.HasPorts,
	}

	if md.DNS != nil {
		sample.DNSQueryName = md.DNS.QueryName
		for _, addr := range md.DNS.Addresses {
			c.forwardHost.Record(addr, md.DNS.QueryName)
			c.classifier.ObserveDNS(addr, md.DNS.QueryName, now)
		}
		if md.DNS.QueryName != "" {
			c.bus.Publish(eventbus.Event{
				Category:   eventbus.CategoryObservation,
				Confidence: eventbus.ConfidenceMedium,
				Details:    map[string]string{"source": "dns", "host": md.DNS.QueryName},
			})
		}
	}
	if md.TLSServerName != "" {
		sample.TLSServerName = md.TLSServerName
		c.forwardHost.Record(md.DstIP, md.TLSServerName)
		c.classifier.ObserveTLS(md.DstIP, md.TLSServerName, now)
		c.bus.Publish(eventbus.Event{
			Category:   eventbus.CategoryObservation,
			Confidence: eventbus.ConfidenceHigh,
			Details:    map[string]string{"source": "tls", "host": md.TLSServerName},
		})
	}
	if md.QUIC != nil && md.TLSServerName != "" {
		sample.QUICSNI = md.TLSServerName
	}

	if cls, ok := c.classifier.Classify(md.DstIP, now); ok {
		sample.ClassifiedLabel = cls.Label
		sample.ClassifiedCDN = cls.CDN
	}

	c.sampleStream.Append(sample)
}

func normalizeHost(host string) string {
	bs := NewBlockedHostSet([]string{host})
	for h := range bs.hosts {
		return h
	}
	return ""
}
