package chargepoint

import (
	"sort"
	"strconv"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

type configKey struct {
	readonly bool
	value    string
}

const (
	keyHeartbeatInterval        = "HeartbeatInterval"
	keyMeterValueSampleInterval = "MeterValueSampleInterval"
)

// Keys holding seconds. Only these are validated and re-applied on change.
var intervalKeys = map[string]bool{
	keyHeartbeatInterval:        true,
	keyMeterValueSampleInterval: true,
}

func defaultConfiguration(connectors int) map[string]*configKey {
	return map[string]*configKey{
		"AuthorizeRemoteTxRequests": {readonly: true, value: "true"},
		// plug-in timeouts are not enforced locally
		"ConnectionTimeOut":         {readonly: true, value: "60"},
		keyHeartbeatInterval:        {value: strconv.Itoa(defaultHeartbeatInterval)},
		keyMeterValueSampleInterval: {value: strconv.Itoa(defaultSampleInterval)},
		"NumberOfConnectors":        {readonly: true, value: strconv.Itoa(connectors)},
	}
}

// ------------- Core profile callbacks -------------

func (cp *ChargePoint) OnChangeAvailability(request *core.ChangeAvailabilityRequest) (confirmation *core.ChangeAvailabilityConfirmation, err error) {
	cp.mu.Lock()
	c, ok := cp.connectors[request.ConnectorId]
	if ok {
		c.availability = request.Type
	}
	cp.mu.Unlock()
	if !ok {
		cp.logDefault(request.GetFeatureName()).Warnf("unknown connector %v", request.ConnectorId)
		return core.NewChangeAvailabilityConfirmation(core.AvailabilityStatusRejected), nil
	}

	cp.logDefault(request.GetFeatureName()).Infof("connector %v is now %v", request.ConnectorId, request.Type)
	cp.refreshStatus(request.ConnectorId)
	if request.Type == core.AvailabilityTypeInoperative && cp.station != nil && cp.station.Busy(request.ConnectorId) {
		// the running session finishes, new ones are refused
		return core.NewChangeAvailabilityConfirmation(core.AvailabilityStatusScheduled), nil
	}
	return core.NewChangeAvailabilityConfirmation(core.AvailabilityStatusAccepted), nil
}

// refreshStatus reports the connector, or every connector when id is 0.
func (cp *ChargePoint) refreshStatus(connectorID int) {
	if connectorID != 0 {
		go cp.sendStatus(connectorID)
		return
	}
	cp.mu.RLock()
	ids := make([]int, 0, len(cp.connectors))
	for id := range cp.connectors {
		ids = append(ids, id)
	}
	cp.mu.RUnlock()
	go func() {
		for _, id := range ids {
			cp.sendStatus(id)
		}
	}()
}

func (cp *ChargePoint) OnChangeConfiguration(request *core.ChangeConfigurationRequest) (confirmation *core.ChangeConfigurationConfirmation, err error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	key, ok := cp.config[request.Key]
	switch {
	case !ok:
		cp.logDefault(request.GetFeatureName()).Warnf("unknown key %v", request.Key)
		return core.NewChangeConfigurationConfirmation(core.ConfigurationStatusNotSupported), nil
	case key.readonly:
		cp.logDefault(request.GetFeatureName()).Warnf("key %v is read-only", request.Key)
		return core.NewChangeConfigurationConfirmation(core.ConfigurationStatusRejected), nil
	}
	if intervalKeys[request.Key] {
		n, err := strconv.Atoi(request.Value)
		// a zero sample interval turns sampling off, the heartbeat can't be
		if err != nil || n < 0 || (n == 0 && request.Key == keyHeartbeatInterval) {
			cp.logDefault(request.GetFeatureName()).Warnf("bad value %q for %v", request.Value, request.Key)
			return core.NewChangeConfigurationConfirmation(core.ConfigurationStatusRejected), nil
		}
	}
	key.value = request.Value
	cp.logDefault(request.GetFeatureName()).Infof("%v set to %v", request.Key, request.Value)
	if intervalKeys[request.Key] {
		select {
		case cp.timing <- struct{}{}:
		default:
		}
	}
	return core.NewChangeConfigurationConfirmation(core.ConfigurationStatusAccepted), nil
}

// No local authorization cache is kept.
func (cp *ChargePoint) OnClearCache(request *core.ClearCacheRequest) (confirmation *core.ClearCacheConfirmation, err error) {
	cp.logDefault(request.GetFeatureName()).Info("no authorization cache to clear")
	return core.NewClearCacheConfirmation(core.ClearCacheStatusRejected), nil
}

func (cp *ChargePoint) OnDataTransfer(request *core.DataTransferRequest) (confirmation *core.DataTransferConfirmation, err error) {
	cp.logDefault(request.GetFeatureName()).Infof("data transfer from vendor %v ignored", request.VendorId)
	return core.NewDataTransferConfirmation(core.DataTransferStatusUnknownVendorId), nil
}

func (cp *ChargePoint) OnGetConfiguration(request *core.GetConfigurationRequest) (confirmation *core.GetConfigurationConfirmation, err error) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	keys := request.Key
	if len(keys) == 0 {
		for k := range cp.config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	var (
		result  []core.ConfigurationKey
		unknown []string
	)
	for _, k := range keys {
		key, ok := cp.config[k]
		if !ok {
			unknown = append(unknown, k)
			continue
		}
		value := key.value
		result = append(result, core.ConfigurationKey{Key: k, Readonly: key.readonly, Value: &value})
	}
	confirmation = core.NewGetConfigurationConfirmation(result)
	confirmation.UnknownKey = unknown
	return confirmation, nil
}

func (cp *ChargePoint) OnRemoteStartTransaction(request *core.RemoteStartTransactionRequest) (confirmation *core.RemoteStartTransactionConfirmation, err error) {
	if cp.station != nil && cp.station.RemoteStart(request.ConnectorId, request.IdTag) {
		cp.logDefault(request.GetFeatureName()).Infof("remote start accepted for id tag %v", request.IdTag)
		return core.NewRemoteStartTransactionConfirmation(types.RemoteStartStopStatusAccepted), nil
	}
	cp.logDefault(request.GetFeatureName()).Infof("remote start rejected for id tag %v", request.IdTag)
	return core.NewRemoteStartTransactionConfirmation(types.RemoteStartStopStatusRejected), nil
}

func (cp *ChargePoint) OnRemoteStopTransaction(request *core.RemoteStopTransactionRequest) (confirmation *core.RemoteStopTransactionConfirmation, err error) {
	if cp.station != nil && cp.station.RemoteStop(request.TransactionId) {
		cp.logDefault(request.GetFeatureName()).Infof("remote stop accepted for transaction %v", request.TransactionId)
		return core.NewRemoteStopTransactionConfirmation(types.RemoteStartStopStatusAccepted), nil
	}
	cp.logDefault(request.GetFeatureName()).Infof("no transaction %v to stop", request.TransactionId)
	return core.NewRemoteStopTransactionConfirmation(types.RemoteStartStopStatusRejected), nil
}

func (cp *ChargePoint) OnReset(request *core.ResetRequest) (confirmation *core.ResetConfirmation, err error) {
	if cp.station == nil {
		return core.NewResetConfirmation(core.ResetStatusRejected), nil
	}
	cp.logDefault(request.GetFeatureName()).Warnf("%v reset accepted", request.Type)
	go cp.station.Reset(request.Type == core.ResetTypeHard)
	return core.NewResetConfirmation(core.ResetStatusAccepted), nil
}

func (cp *ChargePoint) OnUnlockConnector(request *core.UnlockConnectorRequest) (confirmation *core.UnlockConnectorConfirmation, err error) {
	if cp.station == nil || !cp.station.HasConnector(request.ConnectorId) {
		return core.NewUnlockConnectorConfirmation(core.UnlockStatusNotSupported), nil
	}
	if !cp.station.Unlock(request.ConnectorId) {
		return core.NewUnlockConnectorConfirmation(core.UnlockStatusUnlockFailed), nil
	}
	cp.logDefault(request.GetFeatureName()).Infof("connector %v unlocked", request.ConnectorId)
	return core.NewUnlockConnectorConfirmation(core.UnlockStatusUnlocked), nil
}
