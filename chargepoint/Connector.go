package chargepoint

import (
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"

	"charge_point/session"
)

// Connector is what the central system was last told about one connector.
// Id 0 stands for the charge point as a whole.
type Connector struct {
	availability core.AvailabilityType
	state        session.State
	// transaction is set from an accepted StartTransaction until the
	// connector leaves Active.
	transaction *int
}

func (c *Connector) operative() bool {
	return c.availability != core.AvailabilityTypeInoperative
}

// ocppStatus maps a session state onto the status reported to the central
// system.
func (c *Connector) ocppStatus() core.ChargePointStatus {
	if !c.operative() && c.state == session.Idle {
		return core.ChargePointStatusUnavailable
	}
	switch c.state {
	case session.Authorizing:
		return core.ChargePointStatusPreparing
	case session.Active:
		return core.ChargePointStatusCharging
	case session.Stopping:
		return core.ChargePointStatusFinishing
	default:
		return core.ChargePointStatusAvailable
	}
}
