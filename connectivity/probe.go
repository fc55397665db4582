package connectivity

import (
	"context"
	"net"
	"time"
)

type Probe interface {
	Check(ctx context.Context) bool
}

// TCPProbe reports the network as up when Address accepts a TCP connection
// within Timeout.
type TCPProbe struct {
	Address string
	Timeout time.Duration
}

func (p TCPProbe) Check(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

type LinkObserver interface {
	OnLinkStateChange(up bool)
}

// RunProbe checks the link every interval and reports the outcome until ctx
// is done.
func RunProbe(ctx context.Context, probe Probe, every time.Duration, observer LinkObserver) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observer.OnLinkStateChange(probe.Check(ctx))
		}
	}
}
