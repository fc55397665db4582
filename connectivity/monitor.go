package connectivity

import (
	"sync"

	"github.com/sirupsen/logrus"

	"charge_point/audit"
)

const DefaultFailureThreshold = 20

type Trail interface {
	Append(kind audit.Kind, code int)
}

// State is the observable link health. FailureStreak only grows while
// ServerLinkUp is false.
type State struct {
	LinkUp        bool `json:"linkUp"`
	ServerLinkUp  bool `json:"serverLinkUp"`
	FailureStreak int  `json:"failureStreak"`
}

// Monitor turns raw link signals into one record per outage and per
// recovery, and raises an escalation once FailureStreak reaches the
// threshold. Records are appended while the monitor lock is held so their
// order follows the order signals were observed.
type Monitor struct {
	mu        sync.Mutex
	state     State
	threshold int
	trail     Trail
	log       *logrus.Entry

	// set once an outage of that layer has been recorded
	linkRecorded   bool
	serverRecorded bool

	escalationPending bool
}

// NewMonitor starts with the network joined and the protocol session not yet
// established.
func NewMonitor(trail Trail, threshold int, log *logrus.Logger) *Monitor {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Monitor{
		state:     State{LinkUp: true},
		threshold: threshold,
		trail:     trail,
		log:       log.WithField("component", "connectivity"),
	}
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnLinkStateChange handles a network-layer signal. Losing the network takes
// the protocol session down with it.
func (m *Monitor) OnLinkStateChange(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if up {
		m.linkUp()
		return
	}
	if m.state.LinkUp {
		m.state.LinkUp = false
		m.log.Warn("network link lost")
		if !m.linkRecorded {
			m.trail.Append(audit.Disconnect, audit.CodeDisconnect)
			m.linkRecorded = true
		}
	}
	m.state.ServerLinkUp = false
	m.failed()
}

// OnServerLinkStateChange handles a protocol-session signal. A session cannot
// be up without the network, so an up signal also restores the link.
func (m *Monitor) OnServerLinkStateChange(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if up {
		m.linkUp()
		if !m.state.ServerLinkUp {
			m.state.ServerLinkUp = true
			m.log.Info("central system connected")
			if m.serverRecorded {
				m.trail.Append(audit.ServerConnect, audit.CodeServerConnect)
				m.serverRecorded = false
			}
		}
		m.state.FailureStreak = 0
		return
	}
	if m.state.ServerLinkUp {
		m.state.ServerLinkUp = false
		m.log.Warn("central system disconnected")
		// with the network down the Disconnect record already covers it
		if m.state.LinkUp && !m.serverRecorded {
			m.trail.Append(audit.ServerDisconnect, audit.CodeServerDisconnect)
			m.serverRecorded = true
		}
	}
	m.failed()
}

func (m *Monitor) linkUp() {
	if m.state.LinkUp {
		return
	}
	m.state.LinkUp = true
	m.state.FailureStreak = 0
	m.log.Info("network link restored")
	if m.linkRecorded {
		m.trail.Append(audit.Connect, audit.CodeConnect)
		m.linkRecorded = false
	}
}

func (m *Monitor) failed() {
	m.state.FailureStreak++
	if m.state.FailureStreak < m.threshold {
		return
	}
	m.log.WithField("streak", m.state.FailureStreak).Error("connection failures reached threshold, escalating")
	m.trail.Append(audit.Error, audit.CodeEscalation)
	m.escalationPending = true
	m.state.FailureStreak = 0
}

// TakeEscalation reports whether an escalation was raised since the last
// call, and clears it.
func (m *Monitor) TakeEscalation() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.escalationPending
	m.escalationPending = false
	return pending
}
