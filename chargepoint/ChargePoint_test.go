package chargepoint

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charge_point/session"
)

type fakeEngine struct {
	mu        sync.Mutex
	connected bool
	startErr  func() error
	stopped   bool
	requests  []ocpp.Request
	callbacks []func(ocpp.Response, error)
}

func (e *fakeEngine) Start(string) error {
	if e.startErr != nil {
		if err := e.startErr(); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = true
	return nil
}

func (e *fakeEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
	e.stopped = true
}

func (e *fakeEngine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *fakeEngine) SendRequestAsync(request ocpp.Request, callback func(ocpp.Response, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, request)
	e.callbacks = append(e.callbacks, callback)
	return nil
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func (e *fakeEngine) request(i int) ocpp.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[i]
}

func (e *fakeEngine) last(t *testing.T) (ocpp.Request, func(ocpp.Response, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.requests)
	return e.requests[len(e.requests)-1], e.callbacks[len(e.callbacks)-1]
}

type fakeStation struct {
	busy    bool
	started []string
	stopped []int
	resets  chan bool
}

func (s *fakeStation) RemoteStart(connectorID *int, tag string) bool {
	s.started = append(s.started, tag)
	return tag != "blocked"
}

func (s *fakeStation) RemoteStop(transactionID int) bool {
	s.stopped = append(s.stopped, transactionID)
	return transactionID == 1
}

func (s *fakeStation) Reset(hard bool) { s.resets <- hard }

func (s *fakeStation) Unlock(int) bool { return true }

func (s *fakeStation) Busy(int) bool { return s.busy }

func (s *fakeStation) HasConnector(id int) bool { return id == 1 || id == 2 }

type linkLog struct {
	mu     sync.Mutex
	states []bool
}

func (l *linkLog) OnServerLinkStateChange(up bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, up)
}

func (l *linkLog) get() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.states...)
}

func newTestChargePoint(connectors int) *ChargePoint {
	return New(Config{ID: "CP-1", URL: "ws://localhost:8887", Connectors: connectors}, quietLogger())
}

type fixedMeter map[int]int

func (m fixedMeter) ReadEnergyWh(connectorID int) int { return m[connectorID] }

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// connected installs a connected engine on a charge point the central system
// has already accepted.
func connected(cp *ChargePoint) *fakeEngine {
	e := &fakeEngine{connected: true}
	cp.setEngine(e)
	cp.mu.Lock()
	cp.accepted = true
	cp.mu.Unlock()
	return e
}

func TestRequestsFailWhenNotConnected(t *testing.T) {
	cp := newTestChargePoint(1)
	err := cp.RequestAuthorization("ABC", func(session.AuthStatus, error) {})
	assert.ErrorIs(t, err, ErrNotConnected)

	cp.setEngine(&fakeEngine{})
	err = cp.RequestStopTransaction(1, 0, func(error) {})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRequestAuthorization(t *testing.T) {
	cp := newTestChargePoint(1)
	e := connected(cp)

	result := make(chan session.AuthStatus, 1)
	require.NoError(t, cp.RequestAuthorization("ABC", func(status session.AuthStatus, err error) {
		assert.NoError(t, err)
		result <- status
	}))
	req, cb := e.last(t)
	assert.Equal(t, "ABC", req.(*core.AuthorizeRequest).IdTag)

	cb(core.NewAuthorizationConfirmation(types.NewIdTagInfo(types.AuthorizationStatusAccepted)), nil)
	assert.Equal(t, session.AuthAccepted, <-result)
}

func TestRequestAuthorizationError(t *testing.T) {
	cp := newTestChargePoint(1)
	e := connected(cp)

	result := make(chan error, 1)
	require.NoError(t, cp.RequestAuthorization("ABC", func(status session.AuthStatus, err error) {
		result <- err
	}))
	_, cb := e.last(t)
	cb(nil, errors.New("timeout"))
	assert.EqualError(t, <-result, "timeout")
}

func TestStartTransactionNotAccepted(t *testing.T) {
	cp := newTestChargePoint(1)
	e := connected(cp)

	result := make(chan session.StartResult, 1)
	require.NoError(t, cp.RequestStartTransaction(1, "ABC", 12, func(res session.StartResult, err error) {
		assert.NoError(t, err)
		result <- res
	}))
	req, cb := e.last(t)
	start := req.(*core.StartTransactionRequest)
	assert.Equal(t, 1, start.ConnectorId)
	assert.Equal(t, 12, start.MeterStart)

	cb(core.NewStartTransactionConfirmation(types.NewIdTagInfo(types.AuthorizationStatusInvalid), 42), nil)
	assert.Equal(t, session.StartResult{TransactionID: 42, Accepted: false}, <-result)
}

func TestStopTransaction(t *testing.T) {
	cp := newTestChargePoint(1)
	e := connected(cp)

	result := make(chan error, 1)
	require.NoError(t, cp.RequestStopTransaction(42, 100, func(err error) { result <- err }))
	req, cb := e.last(t)
	stop := req.(*core.StopTransactionRequest)
	assert.Equal(t, 42, stop.TransactionId)
	assert.Equal(t, 100, stop.MeterStop)

	cb(core.NewStopTransactionConfirmation(), nil)
	assert.NoError(t, <-result)
}

func TestChangeAvailability(t *testing.T) {
	cp := newTestChargePoint(2)
	station := &fakeStation{}
	cp.SetStation(station)

	conf, err := cp.OnChangeAvailability(core.NewChangeAvailabilityRequest(5, core.AvailabilityTypeInoperative))
	require.NoError(t, err)
	assert.Equal(t, core.AvailabilityStatusRejected, conf.Status)

	conf, err = cp.OnChangeAvailability(core.NewChangeAvailabilityRequest(2, core.AvailabilityTypeInoperative))
	require.NoError(t, err)
	assert.Equal(t, core.AvailabilityStatusAccepted, conf.Status)
	assert.False(t, cp.IsConnectorOperative(2))
	assert.True(t, cp.IsConnectorOperative(1))
	assert.True(t, cp.IsConnectorAvailable())
	assert.Equal(t, core.ChargePointStatusUnavailable, cp.Status()[2])

	station.busy = true
	conf, err = cp.OnChangeAvailability(core.NewChangeAvailabilityRequest(0, core.AvailabilityTypeInoperative))
	require.NoError(t, err)
	assert.Equal(t, core.AvailabilityStatusScheduled, conf.Status)
	assert.False(t, cp.IsConnectorAvailable())
}

func TestConfiguration(t *testing.T) {
	cp := newTestChargePoint(2)

	get, err := cp.OnGetConfiguration(core.NewGetConfigurationRequest([]string{"NumberOfConnectors", "Bogus"}))
	require.NoError(t, err)
	require.Len(t, get.ConfigurationKey, 1)
	assert.True(t, get.ConfigurationKey[0].Readonly)
	assert.Equal(t, "2", *get.ConfigurationKey[0].Value)
	assert.Equal(t, []string{"Bogus"}, get.UnknownKey)

	change, err := cp.OnChangeConfiguration(core.NewChangeConfigurationRequest("NumberOfConnectors", "3"))
	require.NoError(t, err)
	assert.Equal(t, core.ConfigurationStatusRejected, change.Status)

	change, err = cp.OnChangeConfiguration(core.NewChangeConfigurationRequest("Bogus", "3"))
	require.NoError(t, err)
	assert.Equal(t, core.ConfigurationStatusNotSupported, change.Status)

	change, err = cp.OnChangeConfiguration(core.NewChangeConfigurationRequest("ConnectionTimeOut", "30"))
	require.NoError(t, err)
	assert.Equal(t, core.ConfigurationStatusRejected, change.Status)

	for _, bad := range []string{"soon", "-1", "0"} {
		change, err = cp.OnChangeConfiguration(core.NewChangeConfigurationRequest("HeartbeatInterval", bad))
		require.NoError(t, err)
		assert.Equal(t, core.ConfigurationStatusRejected, change.Status, bad)
	}
	assert.Equal(t, 600*time.Second, cp.interval(keyHeartbeatInterval))

	change, err = cp.OnChangeConfiguration(core.NewChangeConfigurationRequest("MeterValueSampleInterval", "0"))
	require.NoError(t, err)
	assert.Equal(t, core.ConfigurationStatusAccepted, change.Status)
	assert.Zero(t, cp.interval(keyMeterValueSampleInterval))

	get, err = cp.OnGetConfiguration(core.NewGetConfigurationRequest(nil))
	require.NoError(t, err)
	assert.Len(t, get.ConfigurationKey, 5)
	assert.Empty(t, get.UnknownKey)
}

func TestRemoteRequestsGoToStation(t *testing.T) {
	cp := newTestChargePoint(1)
	station := &fakeStation{resets: make(chan bool, 1)}

	start, err := cp.OnRemoteStartTransaction(core.NewRemoteStartTransactionRequest("ABC"))
	require.NoError(t, err)
	assert.Equal(t, types.RemoteStartStopStatusRejected, start.Status)

	cp.SetStation(station)
	start, err = cp.OnRemoteStartTransaction(core.NewRemoteStartTransactionRequest("ABC"))
	require.NoError(t, err)
	assert.Equal(t, types.RemoteStartStopStatusAccepted, start.Status)
	start, err = cp.OnRemoteStartTransaction(core.NewRemoteStartTransactionRequest("blocked"))
	require.NoError(t, err)
	assert.Equal(t, types.RemoteStartStopStatusRejected, start.Status)

	stop, err := cp.OnRemoteStopTransaction(core.NewRemoteStopTransactionRequest(1))
	require.NoError(t, err)
	assert.Equal(t, types.RemoteStartStopStatusAccepted, stop.Status)
	stop, err = cp.OnRemoteStopTransaction(core.NewRemoteStopTransactionRequest(2))
	require.NoError(t, err)
	assert.Equal(t, types.RemoteStartStopStatusRejected, stop.Status)

	reset, err := cp.OnReset(core.NewResetRequest(core.ResetTypeHard))
	require.NoError(t, err)
	assert.Equal(t, core.ResetStatusAccepted, reset.Status)
	assert.True(t, <-station.resets)

	unlock, err := cp.OnUnlockConnector(core.NewUnlockConnectorRequest(1))
	require.NoError(t, err)
	assert.Equal(t, core.UnlockStatusUnlocked, unlock.Status)
	unlock, err = cp.OnUnlockConnector(core.NewUnlockConnectorRequest(7))
	require.NoError(t, err)
	assert.Equal(t, core.UnlockStatusNotSupported, unlock.Status)
}

func TestStatusFollowsSessionState(t *testing.T) {
	cp := newTestChargePoint(1)
	e := connected(cp)

	cp.ReportStatus(1, session.Active)
	req, _ := e.last(t)
	status := req.(*core.StatusNotificationRequest)
	assert.Equal(t, 1, status.ConnectorId)
	assert.Equal(t, core.ChargePointStatusCharging, status.Status)

	cp.ReportStatus(1, session.Stopping)
	assert.Equal(t, core.ChargePointStatusFinishing, cp.Status()[1])
	cp.ReportStatus(1, session.Authorizing)
	assert.Equal(t, core.ChargePointStatusPreparing, cp.Status()[1])
	cp.ReportStatus(1, session.Idle)
	assert.Equal(t, core.ChargePointStatusAvailable, cp.Status()[1])
}

func TestRunReportsFailedAttemptsAndReinitializes(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	link := &linkLog{}

	var (
		mu       sync.Mutex
		attempts int
		engines  []*fakeEngine
	)
	factory := func(id string, handler core.ChargePointHandler, onLost func(error), onBack func()) Engine {
		e := &fakeEngine{startErr: func() error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts <= 2 {
				return errors.New("connection refused")
			}
			return nil
		}}
		mu.Lock()
		engines = append(engines, e)
		mu.Unlock()
		return e
	}
	cp := New(Config{ID: "CP-1", URL: "ws://cs", RetryInterval: time.Millisecond, NewEngine: factory}, log)
	cp.SetLinkObserver(link)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cp.Run(ctx) }()

	require.Eventually(t, func() bool { return len(link.get()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []bool{false, false, true}, link.get())
	require.Eventually(t, func() bool { return cp.current() != nil }, time.Second, time.Millisecond)

	cp.Reinitialize()
	require.Eventually(t, func() bool { return len(link.get()) == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, []bool{false, false, true, false, true}, link.get())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, engines, 2)
	assert.True(t, engines[0].stopped)
	assert.True(t, engines[1].stopped)
}

func TestHeartbeatIntervalChangeIsApplied(t *testing.T) {
	cp := newTestChargePoint(1)

	change, err := cp.OnChangeConfiguration(core.NewChangeConfigurationRequest("HeartbeatInterval", "30"))
	require.NoError(t, err)
	assert.Equal(t, core.ConfigurationStatusAccepted, change.Status)
	assert.Equal(t, 30*time.Second, cp.interval(keyHeartbeatInterval))

	select {
	case <-cp.timing:
	default:
		t.Fatal("heartbeat loop not told about the new interval")
	}
}

func TestBootGatesRequestsUntilAccepted(t *testing.T) {
	engine := &fakeEngine{}
	factory := func(string, core.ChargePointHandler, func(error), func()) Engine { return engine }
	cp := New(Config{ID: "CP-1", URL: "ws://cs", Connectors: 1, RetryInterval: time.Millisecond, NewEngine: factory}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cp.Run(ctx)

	answer := func(n int, status core.RegistrationStatus, interval int) {
		require.Eventually(t, func() bool { return engine.count() == n }, time.Second, time.Millisecond)
		req, cb := engine.last(t)
		require.IsType(t, &core.BootNotificationRequest{}, req)
		cb(core.NewBootNotificationConfirmation(types.NewDateTime(time.Now()), interval, status), nil)
	}

	answer(1, core.RegistrationStatusRejected, 0)
	answer(2, core.RegistrationStatusPending, 0)
	assert.False(t, cp.Accepted())
	err := cp.RequestAuthorization("AB12", func(session.AuthStatus, error) {})
	assert.ErrorIs(t, err, ErrNotAccepted)

	answer(3, core.RegistrationStatusAccepted, 30)
	require.Eventually(t, func() bool { return cp.Accepted() && engine.count() == 5 }, time.Second, time.Millisecond)
	for i := 0; i < 3; i++ {
		assert.IsType(t, &core.BootNotificationRequest{}, engine.request(i))
	}
	assert.IsType(t, &core.StatusNotificationRequest{}, engine.request(3))
	assert.IsType(t, &core.StatusNotificationRequest{}, engine.request(4))
	assert.Equal(t, 30*time.Second, cp.interval(keyHeartbeatInterval))

	require.NoError(t, cp.RequestAuthorization("AB12", func(session.AuthStatus, error) {}))
	req, _ := engine.last(t)
	assert.Equal(t, "AB12", req.(*core.AuthorizeRequest).IdTag)
}

func TestNewEngineMustRegisterAgain(t *testing.T) {
	cp := newTestChargePoint(1)
	connected(cp)
	assert.True(t, cp.Accepted())

	cp.setEngine(&fakeEngine{connected: true})
	assert.False(t, cp.Accepted())
	err := cp.RequestStopTransaction(1, 0, func(error) {})
	assert.ErrorIs(t, err, ErrNotAccepted)
}

func TestMeterSamplesWhileActive(t *testing.T) {
	cp := New(Config{ID: "CP-1", URL: "ws://cs", Connectors: 2, Meter: fixedMeter{1: 1500}}, quietLogger())
	e := connected(cp)

	started := make(chan session.StartResult, 1)
	require.NoError(t, cp.RequestStartTransaction(1, "AB12", 0, func(res session.StartResult, err error) {
		started <- res
	}))
	_, cb := e.last(t)
	cb(core.NewStartTransactionConfirmation(types.NewIdTagInfo(types.AuthorizationStatusAccepted), 7), nil)
	<-started
	cp.ReportStatus(1, session.Active)

	before := e.count()
	cp.sampleMeters()
	require.Equal(t, before+1, e.count())
	req, _ := e.last(t)
	values := req.(*core.MeterValuesRequest)
	assert.Equal(t, 1, values.ConnectorId)
	require.NotNil(t, values.TransactionId)
	assert.Equal(t, 7, *values.TransactionId)
	require.Len(t, values.MeterValue, 1)
	sample := values.MeterValue[0].SampledValue[0]
	assert.Equal(t, "1500", sample.Value)
	assert.Equal(t, types.MeasurandEnergyActiveImportRegister, sample.Measurand)
	assert.Equal(t, types.UnitOfMeasureWh, sample.Unit)

	cp.ReportStatus(1, session.Stopping)
	before = e.count()
	cp.sampleMeters()
	assert.Equal(t, before, e.count())
}
