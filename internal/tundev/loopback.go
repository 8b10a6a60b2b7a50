package tundev

// Loopback wires a Device's host-facing read loop straight back into its
// own Inject path, so anything the stack writes reappears as an inbound
// frame. It stands in for the OS tun device in tests, where no real
// packet-tunnel facility is present; the reference binary wires the same
// loop by hand around the controller's own Device.
type Loopback struct {
	*Device
}

// NewLoopback creates a Device and immediately loops its outbound frames
// back to Inject, stripping the AF-prefix that Write added.
func NewLoopback(mtu int, maxBytes int64) *Loopback {
	d := New(mtu, maxBytes)
	lb := &Loopback{Device: d}
	d.StartReadLoop(func(frames [][]byte) {
		for _, f := range frames {
			if len(f) < 4 {
				continue
			}
			_ = d.Inject(f[4:])
		}
	})
	return lb
}
