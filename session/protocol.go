package session

import (
	"charge_point/audit"
)

type AuthStatus int

const (
	AuthAccepted AuthStatus = iota
	AuthRejected
)

func (a AuthStatus) String() string {
	if a == AuthAccepted {
		return "Accepted"
	}
	return "Rejected"
}

// StartResult is the central system's answer to a start request. A
// transaction id is assigned even when the id tag is not accepted.
type StartResult struct {
	TransactionID int
	Accepted      bool
}

// Protocol is the charge-point side of the management-system protocol.
// Request methods return at once: a non-nil error means the request was not
// delivered, otherwise done is called exactly once, later, from another
// goroutine.
type Protocol interface {
	RequestAuthorization(tag string, done func(AuthStatus, error)) error
	RequestStartTransaction(connectorID int, tag string, meterStart int, done func(StartResult, error)) error
	RequestStopTransaction(transactionID int, meterStop int, done func(error)) error
	IsConnectorAvailable() bool
	IsConnectorOperative(connectorID int) bool
}

// Relay drives the contactor of a connector.
type Relay interface {
	SetEnergized(connectorID int, on bool) error
}

type Meter interface {
	ReadEnergyWh(connectorID int) int
}

type Trail interface {
	Append(kind audit.Kind, code int)
}

// MaxIDTagLength is the longest id tag the protocol carries.
const MaxIDTagLength = 20

// ValidTag reports whether tag can be sent for authorization.
func ValidTag(tag string) bool {
	return tag != "" && len(tag) <= MaxIDTagLength
}
