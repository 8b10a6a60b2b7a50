// Command tunnelengine is a standalone reference binary for the tunnel
// engine core: it loads a host Configuration (JSON) and a refdialer
// bootstrap pool (YAML), wires internal/provider.Controller against a
// loopback tundev.Device in place of a real OS packet-tunnel facility
// (out of scope per spec.md §1), and runs until interrupted. It plays the
// same "glue everything together" role the teacher's cmd/outline-ws did
// for internal/manager.VPNManager.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"tunnelengine/internal/classifier"
	"tunnelengine/internal/config"
	"tunnelengine/internal/dialer"
	"tunnelengine/internal/logging"
	"tunnelengine/internal/provider"
	"tunnelengine/internal/refdialer"
)

// sinkBox forwards InboundConnection calls to an inner target set after
// construction, breaking the cycle between refdialer.NewDialer (which
// wants a sink up front) and provider.New (which builds the sink only
// once the engine exists).
type sinkBox struct {
	mu    sync.RWMutex
	inner dialer.InboundConnection
}

func (b *sinkBox) set(inner dialer.InboundConnection) {
	b.mu.Lock()
	b.inner = inner
	b.mu.Unlock()
}

func (b *sinkBox) get() dialer.InboundConnection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.inner
}

func (b *sinkBox) OnTCPReceive(h dialer.Handle, p []byte) {
	if s := b.get(); s != nil {
		s.OnTCPReceive(h, p)
	}
}
func (b *sinkBox) OnTCPClose(h dialer.Handle, reason string) {
	if s := b.get(); s != nil {
		s.OnTCPClose(h, reason)
	}
}
func (b *sinkBox) OnUDPReceive(h dialer.Handle, p []byte) {
	if s := b.get(); s != nil {
		s.OnUDPReceive(h, p)
	}
}
func (b *sinkBox) OnUDPClose(h dialer.Handle, reason string) {
	if s := b.get(); s != nil {
		s.OnUDPClose(h, reason)
	}
}

// lifecycleLog is a provider.Sink that logs each event through logrus.
type lifecycleLog struct{ log interface{ Infof(string, ...interface{}) } }

func (l lifecycleLog) WillStart()              { l.log.Infof("engine: will start") }
func (l lifecycleLog) DidStart()               { l.log.Infof("engine: started") }
func (l lifecycleLog) DidStop()                { l.log.Infof("engine: stopped") }
func (l lifecycleLog) DidFail(msg string, fatal bool) {
	l.log.Infof("engine: fail (fatal=%v): %s", fatal, msg)
}

func main() {
	var configPath, bootstrapPath, metricsAddr string
	var socksPort int
	flag.StringVar(&configPath, "c", "config.json", "host Configuration envelope (JSON)")
	flag.StringVar(&bootstrapPath, "b", "bootstrap.yaml", "refdialer upstream pool bootstrap file (YAML)")
	flag.IntVar(&socksPort, "socks-port", 1080, "SOCKS5 relay listen port (0 disables retry-on-busy)")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus text metrics at this address (empty disables)")
	flag.Parse()

	data, err := os.ReadFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse config: %v\n", err)
		os.Exit(1)
	}
	for _, w := range cfg.Warnings() {
		fmt.Fprintf(os.Stderr, "config warning: %s\n", w)
	}

	bootstrap, err := refdialer.LoadBootstrapConfig(bootstrapPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load bootstrap: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.EngineLogLevel, cfg.Logging.EnableDebug)

	box := &sinkBox{}
	lb := refdialer.NewLoadBalancer(bootstrap.Upstreams, bootstrap.Healthcheck, bootstrap.Selection, bootstrap.Probe, bootstrap.Fwmark, log)
	rd := refdialer.NewDialer(lb, box, bootstrap.Shaping.BytesPerSecond, bootstrap.Shaping.BurstBytes)

	ctrl, err := provider.New(cfg, provider.Options{
		Dialer:       rd,
		SOCKS5Dialer: rd,
		SOCKS5Port:   socksPort,
		Signatures:   []classifier.Signature{},
		Sink:         lifecycleLog{log: log},
		MetricsAddr:  metricsAddr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build controller: %v\n", err)
		os.Exit(1)
	}
	box.set(ctrl.EngineSink())

	dev := ctrl.TunDevice()
	dev.StartReadLoop(func(frames [][]byte) {
		for _, f := range frames {
			if len(f) < 4 {
				continue
			}
			_ = dev.Inject(f[4:])
		}
	})

	hcCtx, hcCancel := context.WithCancel(context.Background())
	defer hcCancel()
	go lb.RunHealthChecks(hcCtx)
	go lb.RunWarmStandby(hcCtx)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ctrl.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	ctrl.Stop()
}
