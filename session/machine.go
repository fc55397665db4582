package session

import (
	"github.com/sirupsen/logrus"

	"charge_point/audit"
)

const DefaultMaxDeliveryFailures = 5

type Transition struct {
	ConnectorID int   `json:"connectorId"`
	From        State `json:"from"`
	To          State `json:"to"`
}

type Config struct {
	// MaxDeliveryFailures is the number of consecutive undelivered requests
	// after which the session is dropped back to Idle.
	MaxDeliveryFailures int
	OnTransition        func(Transition)
}

// Machine runs the session lifecycle of one connector:
// Idle -> Authorizing -> Active -> Stopping -> Idle.
//
// State lives in a Shared context. Decisions are taken under its lock and
// every call into the protocol, the relay or the trail happens after the lock
// is released, so a protocol that answers synchronously cannot deadlock.
type Machine struct {
	id           int
	shared       *Shared
	protocol     Protocol
	relay        Relay
	meter        Meter
	trail        Trail
	maxFailures  int
	onTransition func(Transition)
	log          *logrus.Entry
}

func NewMachine(connectorID int, protocol Protocol, relay Relay, meter Meter, trail Trail, cfg Config, log *logrus.Logger) *Machine {
	if cfg.MaxDeliveryFailures <= 0 {
		cfg.MaxDeliveryFailures = DefaultMaxDeliveryFailures
	}
	return &Machine{
		id:           connectorID,
		shared:       NewShared(connectorID),
		protocol:     protocol,
		relay:        relay,
		meter:        meter,
		trail:        trail,
		maxFailures:  cfg.MaxDeliveryFailures,
		onTransition: cfg.OnTransition,
		log:          log.WithFields(logrus.Fields{"component": "session", "connector": connectorID}),
	}
}

func (m *Machine) ID() int { return m.id }

func (m *Machine) Snapshot() SessionContext { return m.shared.Snapshot() }

// effects are collected while the context is locked and applied after.
type effects struct {
	transition *Transition
	energize   *bool
	errorCodes []int
	// abandon is a transaction to stop without tracking its answer.
	abandon *int
}

func (m *Machine) mutate(fn func(c *SessionContext, fx *effects)) {
	var fx effects
	m.shared.WithContext(func(c *SessionContext) {
		from := c.State
		fn(c, &fx)
		if c.State != from {
			fx.transition = &Transition{ConnectorID: m.id, From: from, To: c.State}
		}
		if want := c.State == Active; want != c.energized {
			c.energized = want
			fx.energize = &want
		}
	})
	m.apply(fx)
}

func (m *Machine) apply(fx effects) {
	if fx.energize != nil && m.relay != nil {
		if err := m.relay.SetEnergized(m.id, *fx.energize); err != nil {
			m.log.Errorf("couldn't switch relay (energize=%v): %v", *fx.energize, err)
			fx.errorCodes = append(fx.errorCodes, audit.CodeRelayFault)
		}
	}
	for _, code := range fx.errorCodes {
		m.trail.Append(audit.Error, code)
	}
	if fx.transition != nil {
		m.log.Infof("%v -> %v", fx.transition.From, fx.transition.To)
		if m.onTransition != nil {
			m.onTransition(*fx.transition)
		}
	}
	if fx.abandon != nil {
		id := *fx.abandon
		err := m.protocol.RequestStopTransaction(id, m.meterValue(), func(err error) { m.onStop(id, err) })
		if err != nil {
			m.log.WithField("transactionId", id).Warnf("couldn't send unconditional stop: %v", err)
		}
	}
}

func (m *Machine) meterValue() int {
	if m.meter == nil {
		return 0
	}
	return m.meter.ReadEnergyWh(m.id)
}

// Tick advances the machine by one polling cycle with a fresh plug sample and
// the credential presented since the last cycle, if any.
func (m *Machine) Tick(plug PlugState, tag string) {
	m.mutate(func(c *SessionContext, fx *effects) {
		c.holdOff = false
		prev := c.PlugState
		c.PlugState = plug
		if prev == Plugged && plug == Unplugged {
			m.unplugged(c)
		}
		if tag != "" {
			m.present(c, tag)
		}
	})
	m.pump()
}

func (m *Machine) unplugged(c *SessionContext) {
	switch c.State {
	case Active:
		c.State = Stopping
	case Authorizing:
		// An authorization still in flight finishes and is discarded; an
		// accepted one waiting for its start is abandoned now.
		if c.Authorized {
			m.log.Info("plug removed before transaction start, abandoning session")
			c.reset()
		}
	}
}

func (m *Machine) present(c *SessionContext, tag string) bool {
	if c.State != Idle {
		m.log.WithField("state", c.State.String()).Debugf("ignoring credential %s", tag)
		return false
	}
	c.reset()
	c.State = Authorizing
	c.AuthTag = tag
	return true
}

// pump issues the outbound request the current state calls for, unless one is
// already outstanding or a failed delivery waits for the next tick.
func (m *Machine) pump() {
	var (
		req     request
		attempt uint64
		tag     string
		txID    int
	)
	m.shared.WithContext(func(c *SessionContext) {
		if c.inFlight != noRequest || c.holdOff {
			return
		}
		switch {
		case c.State == Authorizing && !c.Authorized:
			req = authorizeRequest
		case c.State == Authorizing && c.TransactionID == nil:
			req = startRequest
			c.InProgress = true
		case c.State == Stopping && c.TransactionID != nil:
			req = stopRequest
			txID = *c.TransactionID
		default:
			return
		}
		c.inFlight = req
		attempt = c.attempt
		tag = c.AuthTag
	})

	var err error
	switch req {
	case noRequest:
		return
	case authorizeRequest:
		m.log.Infof("authorizing id tag %s", tag)
		err = m.protocol.RequestAuthorization(tag, func(status AuthStatus, err error) {
			m.onAuthorization(attempt, status, err)
		})
	case startRequest:
		m.log.Infof("starting transaction for id tag %s", tag)
		err = m.protocol.RequestStartTransaction(m.id, tag, m.meterValue(), func(res StartResult, err error) {
			m.onStart(attempt, res, err)
		})
	case stopRequest:
		m.log.WithField("transactionId", txID).Info("stopping transaction")
		err = m.protocol.RequestStopTransaction(txID, m.meterValue(), func(err error) {
			m.onStop(txID, err)
		})
	}
	if err != nil {
		m.mutate(func(c *SessionContext, fx *effects) {
			if c.attempt != attempt || c.inFlight != req {
				return
			}
			m.deliveryFailed(c, fx, err)
		})
	}
}

func (m *Machine) deliveryFailed(c *SessionContext, fx *effects, err error) {
	c.inFlight = noRequest
	c.holdOff = true
	c.DeliveryFailures++
	m.log.WithField("failures", c.DeliveryFailures).Warnf("request not delivered: %v", err)
	if c.DeliveryFailures >= m.maxFailures {
		m.log.Errorf("giving up after %d failed deliveries, back to Idle", c.DeliveryFailures)
		c.reset()
		fx.errorCodes = append(fx.errorCodes, audit.CodeDeliveryFailed)
	}
}

func (m *Machine) onAuthorization(attempt uint64, status AuthStatus, err error) {
	operative := m.protocol.IsConnectorAvailable() && m.protocol.IsConnectorOperative(m.id)
	m.mutate(func(c *SessionContext, fx *effects) {
		if c.attempt != attempt || c.State != Authorizing || c.inFlight != authorizeRequest {
			m.log.Debug("discarding stale authorization result")
			return
		}
		if err != nil {
			m.deliveryFailed(c, fx, err)
			return
		}
		c.inFlight = noRequest
		c.DeliveryFailures = 0
		switch {
		case status != AuthAccepted:
			m.log.Infof("authorization of %s denied", c.AuthTag)
			c.reset()
		case c.PlugState == Unplugged:
			m.log.Infof("authorization of %s accepted but connector is unplugged, discarding", c.AuthTag)
			c.reset()
		case !operative:
			m.log.Infof("authorization of %s accepted but connector is not operative", c.AuthTag)
			c.reset()
		default:
			m.log.Infof("id tag %s authorized", c.AuthTag)
			c.Authorized = true
		}
	})
	m.pump()
}

func (m *Machine) onStart(attempt uint64, res StartResult, err error) {
	m.mutate(func(c *SessionContext, fx *effects) {
		if c.attempt != attempt || c.State != Authorizing || c.inFlight != startRequest {
			if err == nil {
				m.log.WithField("transactionId", res.TransactionID).Warn("transaction started for an abandoned session, stopping it")
				id := res.TransactionID
				fx.abandon = &id
			}
			return
		}
		if err != nil {
			m.deliveryFailed(c, fx, err)
			return
		}
		id := res.TransactionID
		if !res.Accepted {
			m.log.WithField("transactionId", id).Info("central system refused the transaction")
			c.reset()
			fx.abandon = &id
			return
		}
		c.inFlight = noRequest
		c.DeliveryFailures = 0
		c.TransactionID = &id
		c.State = Active
	})
	m.pump()
}

func (m *Machine) onStop(transactionID int, err error) {
	m.mutate(func(c *SessionContext, fx *effects) {
		if c.State != Stopping || c.inFlight != stopRequest || !c.hasTransaction(transactionID) {
			m.log.WithField("transactionId", transactionID).Debug("discarding stale stop acknowledgement")
			return
		}
		if err != nil {
			m.deliveryFailed(c, fx, err)
			return
		}
		c.reset()
	})
	m.pump()
}

// ForceStop aborts the session locally whatever its state. A running
// transaction gets an unconditional stop whose answer is ignored. It reports
// whether there was anything to abort.
func (m *Machine) ForceStop(reason string) bool {
	aborted := false
	m.mutate(func(c *SessionContext, fx *effects) {
		if c.State == Idle {
			return
		}
		m.log.WithField("state", c.State.String()).Warnf("force stop: %s", reason)
		if c.TransactionID != nil && c.inFlight != stopRequest {
			id := *c.TransactionID
			fx.abandon = &id
		}
		c.reset()
		aborted = true
	})
	return aborted
}

// RemoteStart begins an authorization for tag as if it had been presented at
// the reader.
func (m *Machine) RemoteStart(tag string) bool {
	started := false
	m.mutate(func(c *SessionContext, fx *effects) {
		started = m.present(c, tag)
	})
	m.pump()
	return started
}

// RemoteStop stops the running transaction if it matches transactionID.
func (m *Machine) RemoteStop(transactionID int) bool {
	stopped := false
	m.mutate(func(c *SessionContext, fx *effects) {
		if c.State == Active && c.hasTransaction(transactionID) {
			c.State = Stopping
			stopped = true
		}
	})
	m.pump()
	return stopped
}
