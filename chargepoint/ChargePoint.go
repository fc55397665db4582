package chargepoint

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"

	"charge_point/session"
)

var (
	ErrNotConnected = errors.New("not connected to central system")
	ErrNotAccepted  = errors.New("charge point not accepted by central system")
)

const (
	defaultRetryInterval     = 5 * time.Second
	defaultHeartbeatInterval = 600
	defaultSampleInterval    = 60
)

// Station is the local side the central system's requests act upon.
type Station interface {
	RemoteStart(connectorID *int, tag string) bool
	RemoteStop(transactionID int) bool
	Reset(hard bool)
	Unlock(connectorID int) bool
	Busy(connectorID int) bool
	HasConnector(connectorID int) bool
}

// Meter reports the energy delivered through a connector so far.
type Meter interface {
	ReadEnergyWh(connectorID int) int
}

type LinkObserver interface {
	OnServerLinkStateChange(up bool)
}

type Config struct {
	ID            string
	URL           string
	Model         string
	Vendor        string
	Connectors    int
	RetryInterval time.Duration
	NewEngine     EngineFactory
	// Meter is sampled for MeterValues while a transaction runs. Nil
	// disables sampling.
	Meter Meter
}

// ChargePoint speaks OCPP 1.6 to the central system on behalf of the session
// machines. It owns the connect loop and the per-connector availability.
type ChargePoint struct {
	id            string
	url           string
	model         string
	vendor        string
	retryInterval time.Duration
	newEngine     EngineFactory
	meter         Meter

	mu         sync.RWMutex
	engine     Engine
	accepted   bool
	connectors map[int]*Connector
	config     map[string]*configKey

	station Station
	link    LinkObserver

	reinit chan struct{}
	lost   chan struct{}
	timing chan struct{}
	log    *logrus.Logger
}

func New(cfg Config, log *logrus.Logger) *ChargePoint {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.NewEngine == nil {
		cfg.NewEngine = NewOcppEngine
	}
	if cfg.Connectors <= 0 {
		cfg.Connectors = 1
	}
	cp := &ChargePoint{
		id:            cfg.ID,
		url:           cfg.URL,
		model:         cfg.Model,
		vendor:        cfg.Vendor,
		retryInterval: cfg.RetryInterval,
		newEngine:     cfg.NewEngine,
		meter:         cfg.Meter,
		connectors:    map[int]*Connector{},
		config:        defaultConfiguration(cfg.Connectors),
		reinit:        make(chan struct{}, 1),
		lost:          make(chan struct{}, 1),
		timing:        make(chan struct{}, 1),
		log:           log,
	}
	for id := 0; id <= cfg.Connectors; id++ {
		cp.connectors[id] = &Connector{availability: core.AvailabilityTypeOperative}
	}
	return cp
}

func (cp *ChargePoint) SetStation(station Station) { cp.station = station }

func (cp *ChargePoint) SetLinkObserver(link LinkObserver) { cp.link = link }

func (cp *ChargePoint) logDefault(feature string) *logrus.Entry {
	return cp.log.WithFields(logrus.Fields{"client": cp.id, "message": feature})
}

func (cp *ChargePoint) current() Engine {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.engine
}

// setEngine swaps the engine. A new engine has to register again before it
// may carry requests.
func (cp *ChargePoint) setEngine(e Engine) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.engine = e
	cp.accepted = false
}

func (cp *ChargePoint) Accepted() bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.accepted
}

func (cp *ChargePoint) serverLink(up bool) {
	if cp.link != nil {
		cp.link.OnServerLinkStateChange(up)
	}
}

// Reinitialize drops the current session with the central system and starts
// a new one. It does not wait.
func (cp *ChargePoint) Reinitialize() {
	select {
	case cp.reinit <- struct{}{}:
	default:
	}
}

func (cp *ChargePoint) onLost(err error) {
	cp.log.WithField("client", cp.id).Warnf("connection to central system lost: %v", err)
	select {
	case cp.lost <- struct{}{}:
	default:
	}
}

// Run keeps a session with the central system open until ctx is done. Each
// failed connection attempt is reported to the link observer.
func (cp *ChargePoint) Run(ctx context.Context) error {
	for {
		engine := cp.newEngine(cp.id, cp, cp.onLost, func() {
			cp.log.WithField("client", cp.id).Info("connection to central system restored")
		})
		if err := cp.connect(ctx, engine); err != nil {
			return err
		}
		select {
		case <-cp.lost:
		default:
		}
		cp.setEngine(engine)
		cp.serverLink(true)

		sessionCtx, cancel := context.WithCancel(ctx)
		go cp.boot(sessionCtx, engine)

		select {
		case <-ctx.Done():
			cancel()
			cp.setEngine(nil)
			engine.Stop()
			return ctx.Err()
		case <-cp.reinit:
			cp.log.WithField("client", cp.id).Warn("reinitializing protocol engine")
		case <-cp.lost:
		}
		cancel()
		cp.setEngine(nil)
		engine.Stop()
		cp.serverLink(false)
	}
}

func (cp *ChargePoint) connect(ctx context.Context, engine Engine) error {
	for {
		err := engine.Start(cp.url)
		if err == nil {
			cp.log.WithField("client", cp.id).Infof("connected to central system at %v", cp.url)
			return nil
		}
		cp.log.WithField("client", cp.id).Warnf("couldn't connect to central system: %v", err)
		cp.serverLink(false)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cp.reinit:
		case <-time.After(cp.retryInterval):
		}
	}
}

// boot registers the charge point, reports every connector once accepted and
// then keeps the heartbeat and meter sampling going for the lifetime of ctx.
func (cp *ChargePoint) boot(ctx context.Context, engine Engine) {
	interval, ok := cp.register(ctx)
	if !ok {
		return
	}

	cp.mu.Lock()
	if cp.engine != engine || ctx.Err() != nil {
		cp.mu.Unlock()
		return
	}
	cp.accepted = true
	cp.config[keyHeartbeatInterval].value = strconv.Itoa(interval)
	ids := make([]int, 0, len(cp.connectors))
	for id := range cp.connectors {
		ids = append(ids, id)
	}
	cp.mu.Unlock()
	for _, id := range ids {
		cp.sendStatus(id)
	}

	cp.keepAlive(ctx)
}

// register sends BootNotification until the central system accepts it and
// returns the heartbeat interval granted, in seconds. A Pending or Rejected
// answer is retried after the interval the central system asked for.
func (cp *ChargePoint) register(ctx context.Context) (int, bool) {
	for {
		retry := cp.retryInterval
		answer := make(chan *core.BootNotificationConfirmation, 1)
		err := cp.dispatch(core.NewBootNotificationRequest(cp.model, cp.vendor), func(res ocpp.Response, err error) {
			if err != nil {
				cp.logDefault(core.BootNotificationFeatureName).Errorf("error on request: %v", err)
				answer <- nil
				return
			}
			answer <- res.(*core.BootNotificationConfirmation)
		})
		if err != nil {
			cp.logDefault(core.BootNotificationFeatureName).Errorf("couldn't send request: %v", err)
		} else {
			var conf *core.BootNotificationConfirmation
			select {
			case <-ctx.Done():
				return 0, false
			case conf = <-answer:
			}
			if conf != nil {
				cp.logDefault(core.BootNotificationFeatureName).Infof("status: %v, interval: %v", conf.Status, conf.Interval)
				if conf.Status == core.RegistrationStatusAccepted {
					if conf.Interval <= 0 {
						conf.Interval = defaultHeartbeatInterval
					}
					return conf.Interval, true
				}
				if conf.Interval > 0 {
					retry = time.Duration(conf.Interval) * time.Second
				}
			}
		}

		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(retry):
		}
	}
}

// keepAlive sends heartbeats and meter samples. Changes to their intervals
// take effect on the next tick.
func (cp *ChargePoint) keepAlive(ctx context.Context) {
	heartbeat := time.NewTicker(cp.interval(keyHeartbeatInterval))
	defer heartbeat.Stop()

	var (
		sampler *time.Ticker
		samples <-chan time.Time
	)
	resample := func() {
		if sampler != nil {
			sampler.Stop()
			sampler, samples = nil, nil
		}
		if d := cp.interval(keyMeterValueSampleInterval); d > 0 && cp.meter != nil {
			sampler = time.NewTicker(d)
			samples = sampler.C
		}
	}
	resample()
	defer func() {
		if sampler != nil {
			sampler.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cp.timing:
			if d := cp.interval(keyHeartbeatInterval); d > 0 {
				heartbeat.Reset(d)
			}
			resample()
		case <-heartbeat.C:
			err := cp.send(core.NewHeartbeatRequest(), func(res ocpp.Response, err error) {
				if err != nil {
					cp.logDefault(core.HeartbeatFeatureName).Warnf("error on request: %v", err)
				}
			})
			if err != nil {
				cp.logDefault(core.HeartbeatFeatureName).Warnf("couldn't send request: %v", err)
			}
		case <-samples:
			cp.sampleMeters()
		}
	}
}

// interval reads a configuration key holding seconds. Zero means unset.
func (cp *ChargePoint) interval(key string) time.Duration {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	k, ok := cp.config[key]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(k.value)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func (cp *ChargePoint) sampleMeters() {
	type running struct{ connectorID, transactionID int }
	cp.mu.RLock()
	var active []running
	for id, c := range cp.connectors {
		if c.state == session.Active && c.transaction != nil {
			active = append(active, running{id, *c.transaction})
		}
	}
	cp.mu.RUnlock()

	for _, r := range active {
		transactionID := r.transactionID
		request := core.NewMeterValuesRequest(r.connectorID, []types.MeterValue{{
			Timestamp: types.NewDateTime(time.Now()),
			SampledValue: []types.SampledValue{{
				Value:     strconv.Itoa(cp.meter.ReadEnergyWh(r.connectorID)),
				Context:   types.ReadingContextSamplePeriodic,
				Measurand: types.MeasurandEnergyActiveImportRegister,
				Unit:      types.UnitOfMeasureWh,
			}},
		}})
		request.TransactionId = &transactionID
		err := cp.send(request, func(res ocpp.Response, err error) {
			if err != nil {
				cp.logDefault(core.MeterValuesFeatureName).Warnf("error on request: %v", err)
			}
		})
		if err != nil {
			cp.logDefault(core.MeterValuesFeatureName).Debugf("sample of transaction %v not sent: %v", transactionID, err)
		}
	}
}

// send hands the request to the engine once the central system has accepted
// the charge point.
func (cp *ChargePoint) send(request ocpp.Request, done func(ocpp.Response, error)) error {
	if engine := cp.current(); engine != nil && engine.IsConnected() && !cp.Accepted() {
		return ErrNotAccepted
	}
	return cp.dispatch(request, done)
}

// dispatch hands the request to the engine. The callback runs on its own
// goroutine so it may send again.
func (cp *ChargePoint) dispatch(request ocpp.Request, done func(ocpp.Response, error)) error {
	engine := cp.current()
	if engine == nil || !engine.IsConnected() {
		return ErrNotConnected
	}
	return engine.SendRequestAsync(request, func(res ocpp.Response, err error) {
		go done(res, err)
	})
}

func (cp *ChargePoint) RequestAuthorization(tag string, done func(session.AuthStatus, error)) error {
	return cp.send(core.NewAuthorizationRequest(tag), func(res ocpp.Response, err error) {
		if err != nil {
			done(session.AuthRejected, err)
			return
		}
		conf := res.(*core.AuthorizeConfirmation)
		status := authStatus(conf.IdTagInfo)
		cp.logDefault(conf.GetFeatureName()).Infof("id tag %v: %v", tag, status)
		done(status, nil)
	})
}

func (cp *ChargePoint) RequestStartTransaction(connectorID int, tag string, meterStart int, done func(session.StartResult, error)) error {
	request := core.NewStartTransactionRequest(connectorID, tag, meterStart, types.NewDateTime(time.Now()))
	return cp.send(request, func(res ocpp.Response, err error) {
		if err != nil {
			done(session.StartResult{}, err)
			return
		}
		conf := res.(*core.StartTransactionConfirmation)
		accepted := authStatus(conf.IdTagInfo) == session.AuthAccepted
		cp.logDefault(conf.GetFeatureName()).Infof("transaction %v started on connector %v", conf.TransactionId, connectorID)
		if accepted {
			cp.mu.Lock()
			if c, ok := cp.connectors[connectorID]; ok {
				transactionID := conf.TransactionId
				c.transaction = &transactionID
			}
			cp.mu.Unlock()
		}
		done(session.StartResult{
			TransactionID: conf.TransactionId,
			Accepted:      accepted,
		}, nil)
	})
}

func (cp *ChargePoint) RequestStopTransaction(transactionID int, meterStop int, done func(error)) error {
	request := core.NewStopTransactionRequest(meterStop, types.NewDateTime(time.Now()), transactionID)
	return cp.send(request, func(res ocpp.Response, err error) {
		if err == nil {
			cp.logDefault(core.StopTransactionFeatureName).Infof("transaction %v stopped", transactionID)
		}
		done(err)
	})
}

func authStatus(info *types.IdTagInfo) session.AuthStatus {
	if info != nil && info.Status == types.AuthorizationStatusAccepted {
		return session.AuthAccepted
	}
	return session.AuthRejected
}

func (cp *ChargePoint) IsConnectorAvailable() bool {
	return cp.IsConnectorOperative(0)
}

func (cp *ChargePoint) IsConnectorOperative(connectorID int) bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	c, ok := cp.connectors[connectorID]
	return ok && c.operative()
}

// ReportStatus records the new session state of a connector and tells the
// central system when the reported status changes.
func (cp *ChargePoint) ReportStatus(connectorID int, state session.State) {
	cp.mu.Lock()
	c, ok := cp.connectors[connectorID]
	if ok {
		c.state = state
		if state != session.Active {
			c.transaction = nil
		}
	}
	cp.mu.Unlock()
	if ok {
		cp.sendStatus(connectorID)
	}
}

func (cp *ChargePoint) sendStatus(connectorID int) {
	cp.mu.RLock()
	status := cp.connectors[connectorID].ocppStatus()
	cp.mu.RUnlock()

	request := core.NewStatusNotificationRequest(connectorID, core.NoError, status)
	err := cp.send(request, func(res ocpp.Response, err error) {
		if err != nil {
			cp.logDefault(core.StatusNotificationFeatureName).Warnf("error on request: %v", err)
		}
	})
	if err != nil {
		cp.logDefault(core.StatusNotificationFeatureName).Debugf("status %v of connector %v not sent: %v", status, connectorID, err)
	}
}

// Status returns the last reported status of every connector.
func (cp *ChargePoint) Status() map[int]core.ChargePointStatus {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	out := make(map[int]core.ChargePointStatus, len(cp.connectors))
	for id, c := range cp.connectors {
		out[id] = c.ocppStatus()
	}
	return out
}
