package chargepoint

import (
	"github.com/lorenzodonini/ocpp-go/ocpp"
	ocpp16 "github.com/lorenzodonini/ocpp-go/ocpp1.6"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocppj"
	"github.com/lorenzodonini/ocpp-go/ws"
)

// Engine is one websocket session with the central system.
type Engine interface {
	Start(centralSystemUrl string) error
	Stop()
	IsConnected() bool
	SendRequestAsync(request ocpp.Request, callback func(ocpp.Response, error)) error
}

// EngineFactory builds a fresh engine. onLost and onBack are called when an
// established connection drops and when the websocket layer restores it.
type EngineFactory func(id string, handler core.ChargePointHandler, onLost func(error), onBack func()) Engine

// NewOcppEngine is the EngineFactory backed by ocpp-go's 1.6 charge point.
func NewOcppEngine(id string, handler core.ChargePointHandler, onLost func(error), onBack func()) Engine {
	wsClient := ws.NewClient()
	dispatcher := ocppj.NewDefaultClientDispatcher(ocppj.NewFIFOClientQueue(0))
	endpoint := ocppj.NewClient(id, wsClient, dispatcher, ocppj.NewClientState(), core.Profile)
	endpoint.SetOnDisconnectedHandler(onLost)
	endpoint.SetOnReconnectedHandler(onBack)

	cp := ocpp16.NewChargePoint(id, endpoint, wsClient)
	cp.SetCoreHandler(handler)
	return cp
}
