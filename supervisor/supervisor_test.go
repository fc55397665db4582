package supervisor

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charge_point/audit"
	"charge_point/connectivity"
	"charge_point/notifier"
	"charge_point/sensor"
	"charge_point/session"
)

type pending struct {
	auth  []func(session.AuthStatus, error)
	start []func(session.StartResult, error)
	stop  []int
	tags  []string
	conns []int
}

type fakeProtocol struct {
	mu          sync.Mutex
	p           pending
	unavailable bool
}

func (f *fakeProtocol) RequestAuthorization(tag string, done func(session.AuthStatus, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.p.auth = append(f.p.auth, done)
	f.p.tags = append(f.p.tags, tag)
	return nil
}

func (f *fakeProtocol) RequestStartTransaction(connectorID int, tag string, meterStart int, done func(session.StartResult, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.p.start = append(f.p.start, done)
	f.p.conns = append(f.p.conns, connectorID)
	return nil
}

func (f *fakeProtocol) RequestStopTransaction(transactionID int, meterStop int, done func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.p.stop = append(f.p.stop, transactionID)
	return nil
}

func (f *fakeProtocol) IsConnectorAvailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unavailable
}

func (f *fakeProtocol) IsConnectorOperative(int) bool { return true }

func (f *fakeProtocol) snapshot() pending {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.p
}

type fakeEngine struct {
	mu    sync.Mutex
	count int
}

func (e *fakeEngine) Reinitialize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.count++
}

func (e *fakeEngine) reinitialized() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

type fakeStatus struct {
	mu      sync.Mutex
	reports []session.State
}

func (s *fakeStatus) ReportStatus(connectorID int, state session.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, state)
}

type trail struct {
	mu    sync.Mutex
	kinds []audit.Kind
	codes []int
}

func (t *trail) Append(kind audit.Kind, code int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kinds = append(t.kinds, kind)
	t.codes = append(t.codes, code)
}

type fixture struct {
	sup      *Supervisor
	protocol *fakeProtocol
	engine   *fakeEngine
	status   *fakeStatus
	hw       *sensor.Simulated
	trail    *trail
	monitor  *connectivity.Monitor
	notes    notifier.Channel
}

func newFixture(connectors int) *fixture {
	log := logrus.New()
	log.SetOutput(io.Discard)
	f := &fixture{
		protocol: &fakeProtocol{},
		engine:   &fakeEngine{},
		status:   &fakeStatus{},
		hw:       sensor.NewSimulated(connectors),
		trail:    &trail{},
		notes:    notifier.NewChannel(64),
	}
	f.monitor = connectivity.NewMonitor(f.trail, 3, log)
	f.sup = New(Config{Connectors: connectors, ResetDelay: 10 * time.Millisecond}, Deps{
		Protocol: f.protocol,
		Engine:   f.engine,
		Status:   f.status,
		Sensor:   f.hw,
		Relay:    f.hw,
		Meter:    f.hw,
		Trail:    f.trail,
		Monitor:  f.monitor,
		Notifier: f.notes,
	}, log)
	return f
}

func (f *fixture) activate(t *testing.T, connectorID int, tag string, txID int) {
	f.hw.SetPlugState(connectorID, session.Plugged)
	f.hw.PresentTag(tag)
	f.sup.Tick()
	p := f.protocol.snapshot()
	require.NotEmpty(t, p.auth)
	p.auth[len(p.auth)-1](session.AuthAccepted, nil)
	p = f.protocol.snapshot()
	require.NotEmpty(t, p.start)
	p.start[len(p.start)-1](session.StartResult{TransactionID: txID, Accepted: true}, nil)
}

func TestTickRunsSessionToActive(t *testing.T) {
	f := newFixture(1)
	f.activate(t, 1, "abc", 7)

	state := f.sup.CurrentState()
	require.Len(t, state.Connectors, 1)
	assert.Equal(t, session.Active, state.Connectors[0].State)
	assert.True(t, f.hw.Energized(1))
	assert.Equal(t, []session.State{session.Authorizing, session.Active}, f.status.reports)
	assert.Equal(t, []string{"ABC"}, f.protocol.snapshot().tags)

	n := <-f.notes
	assert.Equal(t, TopicTransition, n.Topic)
}

func TestTagGoesToLowestIdleConnector(t *testing.T) {
	f := newFixture(2)
	f.activate(t, 1, "first", 1)

	f.hw.SetPlugState(2, session.Plugged)
	f.hw.PresentTag("second")
	f.sup.Tick()

	state := f.sup.CurrentState()
	assert.Equal(t, session.Active, state.Connectors[0].State)
	assert.Equal(t, session.Authorizing, state.Connectors[1].State)
	assert.Equal(t, "SECOND", state.Connectors[1].AuthTag)
}

func TestOverlongTagIgnored(t *testing.T) {
	f := newFixture(1)
	f.hw.SetPlugState(1, session.Plugged)
	f.hw.PresentTag("0123456789ABCDEF01234")
	f.sup.Tick()

	assert.Empty(t, f.protocol.snapshot().auth)
	assert.Equal(t, session.Idle, f.sup.CurrentState().Connectors[0].State)
}

func TestEscalationAbortsAndReinitializes(t *testing.T) {
	f := newFixture(1)
	f.activate(t, 1, "abc", 9)

	for i := 0; i < 3; i++ {
		f.sup.OnServerLinkStateChange(false)
	}
	assert.Zero(t, f.engine.reinitialized())

	f.sup.Tick()
	assert.Equal(t, 1, f.engine.reinitialized())
	assert.Equal(t, session.Idle, f.sup.CurrentState().Connectors[0].State)
	assert.False(t, f.hw.Energized(1))
	assert.Equal(t, []int{9}, f.protocol.snapshot().stop)
	assert.Contains(t, f.trail.codes, audit.CodeEscalation)

	// taken once
	f.sup.Tick()
	assert.Equal(t, 1, f.engine.reinitialized())
}

func TestForceStopConnector(t *testing.T) {
	f := newFixture(1)

	_, err := f.sup.ForceStopConnector(5, "test")
	assert.ErrorIs(t, err, ErrUnknownConnector)

	stopped, err := f.sup.ForceStopConnector(1, "test")
	require.NoError(t, err)
	assert.False(t, stopped)

	f.activate(t, 1, "abc", 3)
	stopped, err = f.sup.ForceStopConnector(1, "test")
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, []int{3}, f.protocol.snapshot().stop)
}

func TestRemoteStart(t *testing.T) {
	f := newFixture(2)
	f.hw.SetPlugState(2, session.Plugged)

	assert.False(t, f.sup.RemoteStart(nil, ""))

	two := 2
	assert.True(t, f.sup.RemoteStart(&two, "remote"))
	assert.False(t, f.sup.RemoteStart(&two, "again"))
	assert.Equal(t, session.Authorizing, f.sup.CurrentState().Connectors[1].State)

	assert.True(t, f.sup.RemoteStart(nil, "other"))
	assert.Equal(t, session.Authorizing, f.sup.CurrentState().Connectors[0].State)
	assert.False(t, f.sup.RemoteStart(nil, "none left"))

	bogus := 9
	assert.False(t, f.sup.RemoteStart(&bogus, "x"))
}

func TestRemoteStartRejectedWhenStationUnavailable(t *testing.T) {
	f := newFixture(1)
	f.protocol.unavailable = true
	assert.False(t, f.sup.RemoteStart(nil, "abc"))
}

func TestRemoteStopMatchesTransaction(t *testing.T) {
	f := newFixture(1)
	f.activate(t, 1, "abc", 11)

	assert.False(t, f.sup.RemoteStop(12))
	assert.True(t, f.sup.RemoteStop(11))
	assert.Equal(t, session.Stopping, f.sup.CurrentState().Connectors[0].State)
	assert.Equal(t, []int{11}, f.protocol.snapshot().stop)
}

func TestResetReinitializesAfterDelay(t *testing.T) {
	f := newFixture(1)
	f.activate(t, 1, "abc", 4)

	f.sup.Reset(false)
	assert.Equal(t, session.Idle, f.sup.CurrentState().Connectors[0].State)
	assert.Eventually(t, func() bool { return f.engine.reinitialized() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBusy(t *testing.T) {
	f := newFixture(2)
	assert.False(t, f.sup.Busy(0))
	assert.False(t, f.sup.Busy(2))

	f.activate(t, 1, "abc", 1)
	assert.True(t, f.sup.Busy(0))
	assert.True(t, f.sup.Busy(1))
	assert.False(t, f.sup.Busy(2))
	assert.False(t, f.sup.Busy(3))
}

func TestPublishRecord(t *testing.T) {
	f := newFixture(1)
	rec := audit.Record{Kind: audit.Connect, Code: audit.CodeConnect}
	f.sup.PublishRecord(rec)

	n := <-f.notes
	assert.Equal(t, TopicAuditRecord, n.Topic)
	assert.Equal(t, rec, n.Data)
}
