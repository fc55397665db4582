package supervisor

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"charge_point/audit"
	"charge_point/connectivity"
	"charge_point/session"
)

var ErrUnknownConnector = errors.New("unknown connector")

const (
	TopicTransition  = "session.transition"
	TopicAuditRecord = "audit.record"
	TopicEscalation  = "connectivity.escalation"
)

type Sensor interface {
	SamplePlugState(connectorID int) session.PlugState
	ReadPresentedTag() (string, bool)
}

// Engine is the part of the protocol collaborator that can be restarted.
type Engine interface {
	Reinitialize()
}

// StatusReporter forwards connector state changes to the central system.
type StatusReporter interface {
	ReportStatus(connectorID int, state session.State)
}

type Publisher interface {
	Publish(topic string, data interface{}) bool
}

type Deps struct {
	Protocol session.Protocol
	Engine   Engine
	Status   StatusReporter
	Sensor   Sensor
	Relay    session.Relay
	Meter    session.Meter
	Trail    session.Trail
	Monitor  *connectivity.Monitor
	Notifier Publisher
}

type Config struct {
	Connectors          int
	MaxDeliveryFailures int
	ResetDelay          time.Duration
}

type Status struct {
	Connectors   []session.SessionContext `json:"connectors"`
	Connectivity connectivity.State       `json:"connectivity"`
}

// Supervisor drives one session machine per connector from the polling loop
// and from protocol callbacks, and applies the connectivity escalation.
type Supervisor struct {
	tickMu     sync.Mutex
	machines   map[int]*session.Machine
	ids        []int
	deps       Deps
	resetDelay time.Duration
	log        *logrus.Entry
}

func New(cfg Config, deps Deps, log *logrus.Logger) *Supervisor {
	if cfg.Connectors <= 0 {
		cfg.Connectors = 1
	}
	s := &Supervisor{
		machines:   map[int]*session.Machine{},
		deps:       deps,
		resetDelay: cfg.ResetDelay,
		log:        log.WithField("component", "supervisor"),
	}
	for id := 1; id <= cfg.Connectors; id++ {
		s.machines[id] = session.NewMachine(id, deps.Protocol, deps.Relay, deps.Meter, deps.Trail, session.Config{
			MaxDeliveryFailures: cfg.MaxDeliveryFailures,
			OnTransition:        s.onTransition,
		}, log)
		s.ids = append(s.ids, id)
	}
	sort.Ints(s.ids)
	return s
}

func (s *Supervisor) onTransition(t session.Transition) {
	if s.deps.Status != nil {
		s.deps.Status.ReportStatus(t.ConnectorID, t.To)
	}
	s.notify(TopicTransition, t)
}

func (s *Supervisor) notify(topic string, data interface{}) {
	if s.deps.Notifier == nil {
		return
	}
	if !s.deps.Notifier.Publish(topic, data) {
		s.log.WithField("topic", topic).Warn("notification dropped")
	}
}

// PublishRecord forwards a trail record to the notifier.
func (s *Supervisor) PublishRecord(rec audit.Record) {
	s.notify(TopicAuditRecord, rec)
}

// Tick runs one polling cycle: pending escalation first, then the presented
// credential and a plug sample for every connector.
func (s *Supervisor) Tick() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if s.deps.Monitor.TakeEscalation() {
		s.log.Warn("connectivity escalation: aborting sessions and reinitializing protocol")
		n := s.ForceStop("connectivity escalation")
		s.deps.Engine.Reinitialize()
		s.notify(TopicEscalation, map[string]interface{}{"aborted": n})
	}

	tag, ok := s.deps.Sensor.ReadPresentedTag()
	target := 0
	if ok {
		if session.ValidTag(tag) {
			target = s.idleConnector()
		} else {
			s.log.Warnf("ignoring malformed id tag %q", tag)
		}
	}
	for _, id := range s.ids {
		presented := ""
		if id == target {
			presented = tag
		}
		s.machines[id].Tick(s.deps.Sensor.SamplePlugState(id), presented)
	}
}

// idleConnector picks the lowest idle connector, or the first one when all
// are busy so that the credential is seen and ignored there.
func (s *Supervisor) idleConnector() int {
	for _, id := range s.ids {
		if s.machines[id].Snapshot().State == session.Idle {
			return id
		}
	}
	return s.ids[0]
}

// ForceStop aborts every session and returns how many were aborted.
func (s *Supervisor) ForceStop(reason string) int {
	n := 0
	for _, id := range s.ids {
		if s.machines[id].ForceStop(reason) {
			n++
		}
	}
	return n
}

func (s *Supervisor) ForceStopConnector(connectorID int, reason string) (bool, error) {
	m, ok := s.machines[connectorID]
	if !ok {
		return false, ErrUnknownConnector
	}
	return m.ForceStop(reason), nil
}

func (s *Supervisor) CurrentState() Status {
	status := Status{Connectivity: s.deps.Monitor.State()}
	for _, id := range s.ids {
		status.Connectors = append(status.Connectors, s.machines[id].Snapshot())
	}
	return status
}

func (s *Supervisor) OnLinkStateChange(up bool) {
	s.deps.Monitor.OnLinkStateChange(up)
}

func (s *Supervisor) OnServerLinkStateChange(up bool) {
	s.deps.Monitor.OnServerLinkStateChange(up)
}
