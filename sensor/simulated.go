package sensor

import (
	"strings"
	"sync"
	"time"

	"charge_point/session"
)

// approximate charging power: 0.003 Wh per ms, about 10.8 kW
const whPerMs = 0.003

type connector struct {
	plug      session.PlugState
	energized bool
	since     time.Time
	energyWh  float64
}

// Simulated stands in for the plug detector, the RFID reader, the contactor
// and the energy meter on hosts without the real hardware.
type Simulated struct {
	mu         sync.Mutex
	connectors map[int]*connector
	tag        string
	now        func() time.Time
}

func NewSimulated(connectors int) *Simulated {
	s := &Simulated{connectors: map[int]*connector{}, now: time.Now}
	for id := 1; id <= connectors; id++ {
		s.connectors[id] = &connector{}
	}
	return s
}

func (s *Simulated) get(connectorID int) (*connector, bool) {
	c, ok := s.connectors[connectorID]
	return c, ok
}

func (s *Simulated) SetPlugState(connectorID int, plug session.PlugState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.get(connectorID)
	if ok {
		c.plug = plug
	}
	return ok
}

// PresentTag places a card on the reader. The tag is read once, upper-cased
// the way the reader reports UIDs.
func (s *Simulated) PresentTag(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tag = strings.ToUpper(strings.TrimSpace(tag))
}

func (s *Simulated) SamplePlugState(connectorID int) session.PlugState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.get(connectorID); ok {
		return c.plug
	}
	return session.Unplugged
}

func (s *Simulated) ReadPresentedTag() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag := s.tag
	s.tag = ""
	return tag, tag != ""
}

func (s *Simulated) SetEnergized(connectorID int, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.get(connectorID)
	if !ok {
		return nil
	}
	s.accrue(c)
	c.energized = on
	return nil
}

func (s *Simulated) Energized(connectorID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.get(connectorID)
	return ok && c.energized
}

func (s *Simulated) ReadEnergyWh(connectorID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.get(connectorID)
	if !ok {
		return 0
	}
	s.accrue(c)
	return int(c.energyWh)
}

func (s *Simulated) accrue(c *connector) {
	now := s.now()
	if c.energized && !c.since.IsZero() {
		c.energyWh += float64(now.Sub(c.since).Milliseconds()) * whPerMs
	}
	c.since = now
}
