package supervisor

import (
	"time"

	"charge_point/session"
)

// Requests initiated by the central system. They run on the protocol
// collaborator's goroutine and never block on it.

// RemoteStart begins an authorization for tag on the given connector, or on
// the first idle operative connector when connectorID is nil.
func (s *Supervisor) RemoteStart(connectorID *int, tag string) bool {
	if !session.ValidTag(tag) {
		return false
	}
	if !s.deps.Protocol.IsConnectorAvailable() {
		return false
	}
	if connectorID != nil {
		m, ok := s.machines[*connectorID]
		if !ok || !s.deps.Protocol.IsConnectorOperative(*connectorID) {
			return false
		}
		return m.RemoteStart(tag)
	}
	for _, id := range s.ids {
		if !s.deps.Protocol.IsConnectorOperative(id) {
			continue
		}
		if s.machines[id].RemoteStart(tag) {
			return true
		}
	}
	s.log.Info("no connector to start transaction")
	return false
}

func (s *Supervisor) RemoteStop(transactionID int) bool {
	for _, id := range s.ids {
		if s.machines[id].RemoteStop(transactionID) {
			return true
		}
	}
	return false
}

// Reset aborts every session and reinitializes the protocol engine after the
// reset delay, once the confirmation has gone out.
func (s *Supervisor) Reset(hard bool) {
	s.log.WithField("hard", hard).Warn("reset requested by central system")
	s.ForceStop("remote reset")
	time.AfterFunc(s.resetDelay, s.deps.Engine.Reinitialize)
}

func (s *Supervisor) Unlock(connectorID int) bool {
	_, err := s.ForceStopConnector(connectorID, "unlock connector")
	return err == nil
}

// Busy reports whether the connector has a session; connector 0 asks about
// the whole station.
func (s *Supervisor) Busy(connectorID int) bool {
	if connectorID == 0 {
		for _, id := range s.ids {
			if s.machines[id].Snapshot().State != session.Idle {
				return true
			}
		}
		return false
	}
	m, ok := s.machines[connectorID]
	return ok && m.Snapshot().State != session.Idle
}

func (s *Supervisor) HasConnector(connectorID int) bool {
	_, ok := s.machines[connectorID]
	return ok
}
