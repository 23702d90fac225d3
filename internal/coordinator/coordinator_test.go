package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/divers33/hass-melcloud-coordinator/internal/device"
	"github.com/divers33/hass-melcloud-coordinator/internal/journal"
	"github.com/divers33/hass-melcloud-coordinator/internal/melcloud"
)

// fakeTransport is an in-memory cloud. Gates let tests hold a call open
// to observe in-flight behavior; error fields inject failures.
type fakeTransport struct {
	mu      sync.Mutex
	entries []melcloud.DeviceEntry
	states  map[int64]*melcloud.DeviceState
	listErr error
	getErr  map[int64]error
	setErr  error

	// listGate and setGate, when non-nil, block the call until closed.
	listGate chan struct{}
	setGate  chan struct{}
	// setBegun receives one token each time SetDeviceState is entered.
	setBegun chan struct{}

	listCalls int
	getCalls  int
	sets      []*melcloud.DeviceState
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		states:   make(map[int64]*melcloud.DeviceState),
		getErr:   make(map[int64]error),
		setBegun: make(chan struct{}, 16),
	}
}

func (f *fakeTransport) ListDevices(ctx context.Context) ([]melcloud.DeviceEntry, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.listGate
	err := f.listErr
	entries := append([]melcloud.DeviceEntry(nil), f.entries...)
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (f *fakeTransport) GetDeviceState(ctx context.Context, deviceID, buildingID int64) (*melcloud.DeviceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if err := f.getErr[deviceID]; err != nil {
		return nil, err
	}
	st, ok := f.states[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: no state for device %d", melcloud.ErrMalformedResponse, deviceID)
	}
	return st.Clone(), nil
}

func (f *fakeTransport) SetDeviceState(ctx context.Context, state *melcloud.DeviceState) (*melcloud.DeviceState, error) {
	f.mu.Lock()
	f.sets = append(f.sets, state.Clone())
	gate := f.setGate
	err := f.setErr
	f.mu.Unlock()

	select {
	case f.setBegun <- struct{}{}:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return state.Clone(), nil
}

func (f *fakeTransport) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeTransport) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

func (f *fakeTransport) setCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sets)
}

func (f *fakeTransport) setAt(i int) *melcloud.DeviceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets[i].Clone()
}

func (f *fakeTransport) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *fakeTransport) updateState(deviceID int64, fn func(*melcloud.DeviceState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.states[deviceID])
}

// fakeJournal records transitions in memory.
type fakeJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *fakeJournal) Record(ctx context.Context, entry *journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, *entry)
	return nil
}

func (j *fakeJournal) List(ctx context.Context, filter journal.Filter) (*journal.ListResult, error) {
	return &journal.ListResult{Entries: []journal.Entry{}}, nil
}

func (j *fakeJournal) has(commandID, status string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range j.entries {
		if e.CommandID == commandID && e.Status == status {
			return true
		}
	}
	return false
}

func (j *fakeJournal) countStatus(commandID, status string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.entries {
		if e.CommandID == commandID && e.Status == status {
			n++
		}
	}
	return n
}

func (j *fakeJournal) detailOf(commandID, status string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range j.entries {
		if e.CommandID == commandID && e.Status == status {
			return e.Detail
		}
	}
	return ""
}

// mockLogger captures log calls for assertions.
type mockLogger struct {
	mu     sync.Mutex
	warns  []string
	errs   []string
	infos  []string
	debugs []string
}

func (m *mockLogger) Debug(msg string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugs = append(m.debugs, msg)
}

func (m *mockLogger) Info(msg string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos = append(m.infos, msg)
}

func (m *mockLogger) Warn(msg string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warns = append(m.warns, msg)
}

func (m *mockLogger) Error(msg string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, msg)
}

func (m *mockLogger) hasWarn(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.warns {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func (m *mockLogger) hasError(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.errs {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

// recordingSub collects hub notifications.
type recordingSub struct {
	mu   sync.Mutex
	devs []*device.Device
}

func (r *recordingSub) fn(dev *device.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devs = append(r.devs, dev)
}

func (r *recordingSub) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devs)
}

func (r *recordingSub) last() *device.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.devs) == 0 {
		return nil
	}
	return r.devs[len(r.devs)-1]
}

func (r *recordingSub) deviceIDs() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make(map[string]bool, len(r.devs))
	for _, dev := range r.devs {
		ids[dev.ID] = true
	}
	return ids
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func testAtaEntry() melcloud.DeviceEntry {
	return melcloud.DeviceEntry{
		DeviceID:   42,
		BuildingID: 7,
		DeviceName: "Living Room",
		Device: &melcloud.DeviceConf{
			DeviceType:                  melcloud.DeviceTypeAta,
			TemperatureIncrement:        0.5,
			MinTempCoolDry:              16,
			MaxTempCoolDry:              31,
			MinTempHeat:                 10,
			MaxTempHeat:                 31,
			NumberOfFanSpeeds:           5,
			ModelSupportsFanSpeed:       true,
			ModelSupportsHeat:           true,
			ModelSupportsDry:            true,
			ModelSupportsVaneVertical:   true,
			ModelSupportsVaneHorizontal: true,
		},
	}
}

func testAtaState() *melcloud.DeviceState {
	return &melcloud.DeviceState{
		DeviceID:        42,
		BuildingID:      7,
		DeviceType:      melcloud.DeviceTypeAta,
		Power:           false,
		OperationMode:   melcloud.AtaModeHeat,
		SetTemperature:  21.0,
		SetFanSpeed:     3,
		RoomTemperature: floatPtr(19.5),
	}
}

func testAtwEntry() melcloud.DeviceEntry {
	return melcloud.DeviceEntry{
		DeviceID:   9,
		BuildingID: 7,
		DeviceName: "Heat Pump",
		Device: &melcloud.DeviceConf{
			DeviceType:           melcloud.DeviceTypeAtw,
			TemperatureIncrement: 0.5,
			CanHeat:              true,
			HasZone2:             true,
			HasHotWaterTank:      true,
		},
	}
}

func testAtwState() *melcloud.DeviceState {
	return &melcloud.DeviceState{
		DeviceID:                9,
		BuildingID:              7,
		DeviceType:              melcloud.DeviceTypeAtw,
		Power:                   true,
		OperationMode:           melcloud.AtwStatusHeatZones,
		TankWaterTemperature:    floatPtr(47.0),
		SetTankWaterTemperature: floatPtr(50.0),
		RoomTemperatureZone1:    floatPtr(20.5),
		SetTemperatureZone1:     floatPtr(21.0),
		OperationModeZone1:      intPtr(melcloud.AtwZoneModeHeatThermostat),
		RoomTemperatureZone2:    floatPtr(18.0),
		SetTemperatureZone2:     floatPtr(19.0),
		OperationModeZone2:      intPtr(melcloud.AtwZoneModeCurve),
	}
}

// newTestCoordinator builds a coordinator over one ATA device with a fake
// transport and journal. Periodic polling is not started; tests drive
// cycles through RequestRefresh.
func newTestCoordinator(t *testing.T, mutate ...func(*Options)) (*Coordinator, *fakeTransport, *fakeJournal) {
	t.Helper()

	tr := newFakeTransport()
	tr.entries = []melcloud.DeviceEntry{testAtaEntry()}
	tr.states[42] = testAtaState()

	jr := &fakeJournal{}
	opts := Options{
		Transport: tr,
		Registry:  device.NewRegistry(),
		Journal:   jr,
		Interval:  5 * time.Minute,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	c, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c, tr, jr
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// TestNew_Validation verifies required dependencies and interval bounds.
func TestNew_Validation(t *testing.T) {
	tr := newFakeTransport()
	reg := device.NewRegistry()

	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"missing transport", Options{Registry: reg, Interval: 5 * time.Minute}, true},
		{"missing registry", Options{Transport: tr, Interval: 5 * time.Minute}, true},
		{"interval too short", Options{Transport: tr, Registry: reg, Interval: 30 * time.Second}, true},
		{"interval too long", Options{Transport: tr, Registry: reg, Interval: 61 * time.Minute}, true},
		{"one minute ok", Options{Transport: tr, Registry: reg, Interval: time.Minute}, false},
		{"sixty minutes ok", Options{Transport: tr, Registry: reg, Interval: 60 * time.Minute}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.opts)
			if tt.wantErr {
				if err == nil {
					t.Fatal("New() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			c.Close()
		})
	}
}

// TestNew_Defaults verifies derived timing defaults.
func TestNew_Defaults(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	if c.backoffInitial != time.Minute {
		t.Errorf("backoffInitial = %v, want 1m", c.backoffInitial)
	}
	if c.backoffCeiling != 5*time.Minute {
		t.Errorf("backoffCeiling = %v, want interval", c.backoffCeiling)
	}
	if c.staleAfter != 15*time.Minute {
		t.Errorf("staleAfter = %v, want 3x interval", c.staleAfter)
	}
	if c.commandTimeout != 10*time.Minute {
		t.Errorf("commandTimeout = %v, want 2x interval", c.commandTimeout)
	}
}

// TestRequestRefresh_AppliesSnapshot verifies a basic fetch cycle
// populates the registry.
func TestRequestRefresh_AppliesSnapshot(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	if err := c.RequestRefresh(context.Background()); err != nil {
		t.Fatalf("RequestRefresh() error = %v", err)
	}

	dev, err := c.registry.Get("42")
	if err != nil {
		t.Fatalf("Get(42) error = %v", err)
	}
	if dev.Name != "Living Room" || dev.Family != device.FamilyAta {
		t.Errorf("device = %s/%s, want Living Room/ata", dev.Name, dev.Family)
	}
	if got := dev.State[device.FieldTargetTemperature]; !device.EqualValues(got, 21.0) {
		t.Errorf("target_temperature = %v, want 21", got)
	}
	if !dev.Available {
		t.Error("Available = false after successful fetch")
	}

	m := c.Metrics()
	if m.CyclesTotal != 1 || m.CyclesFailed != 0 {
		t.Errorf("cycles = %d/%d failed, want 1/0", m.CyclesTotal, m.CyclesFailed)
	}
	if m.LastSuccess.IsZero() {
		t.Error("LastSuccess not recorded")
	}
}

// TestRequestRefresh_SingleFlight verifies overlapping refresh requests
// share one cloud fetch and all observe its outcome.
func TestRequestRefresh_SingleFlight(t *testing.T) {
	c, tr, _ := newTestCoordinator(t)
	gate := make(chan struct{})
	tr.listGate = gate

	const callers = 5
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			errs <- c.RequestRefresh(context.Background())
		}()
	}

	waitFor(t, time.Second, func() bool { return tr.listCount() == 1 }, "first fetch to start")
	// Give the remaining callers time to attach to the in-flight cycle.
	time.Sleep(50 * time.Millisecond)
	close(gate)

	for i := 0; i < callers; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Errorf("caller %d: RequestRefresh() error = %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("caller did not return")
		}
	}

	if got := tr.listCount(); got != 1 {
		t.Errorf("ListDevices calls = %d, want 1", got)
	}
	if got := tr.getCount(); got != 1 {
		t.Errorf("GetDeviceState calls = %d, want 1", got)
	}

	// A request after completion starts a fresh cycle.
	tr.listGate = nil
	if err := c.RequestRefresh(context.Background()); err != nil {
		t.Fatalf("RequestRefresh() error = %v", err)
	}
	if got := tr.listCount(); got != 2 {
		t.Errorf("ListDevices calls = %d, want 2", got)
	}
}

// TestRequestRefresh_CallerCancelDetaches verifies a caller abandoning its
// wait does not abort the shared cycle.
func TestRequestRefresh_CallerCancelDetaches(t *testing.T) {
	c, tr, _ := newTestCoordinator(t)
	gate := make(chan struct{})
	tr.listGate = gate

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.RequestRefresh(ctx)
	}()

	waitFor(t, time.Second, func() bool { return tr.listCount() == 1 }, "fetch to start")
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("RequestRefresh() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	// The cycle completes on its own and applies the snapshot.
	close(gate)
	waitFor(t, time.Second, func() bool { return c.registry.Count() == 1 }, "cycle to apply")
}

// TestRequestRefresh_NotifiesOnlyChangedDevices verifies field-level
// diffing suppresses notifications for devices that did not change.
func TestRequestRefresh_NotifiesOnlyChangedDevices(t *testing.T) {
	c, tr, _ := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.RequestRefresh(ctx); err != nil {
		t.Fatalf("seed refresh error = %v", err)
	}

	sub := &recordingSub{}
	c.Subscribe("42", "test", sub.fn)

	// Unchanged snapshot: no notification.
	if err := c.RequestRefresh(ctx); err != nil {
		t.Fatalf("RequestRefresh() error = %v", err)
	}
	if sub.count() != 0 {
		t.Fatalf("notifications after unchanged cycle = %d, want 0", sub.count())
	}

	tr.updateState(42, func(st *melcloud.DeviceState) {
		st.RoomTemperature = floatPtr(20.0)
	})
	if err := c.RequestRefresh(ctx); err != nil {
		t.Fatalf("RequestRefresh() error = %v", err)
	}

	if sub.count() != 1 {
		t.Fatalf("notifications = %d, want 1", sub.count())
	}
	if got := sub.last().State[device.FieldRoomTemperature]; !device.EqualValues(got, 20.0) {
		t.Errorf("notified room_temperature = %v, want 20", got)
	}
}

// TestRequestRefresh_PartialFailureLeavesStateUntouched verifies a cycle
// that fails mid-fetch applies nothing at all.
func TestRequestRefresh_PartialFailureLeavesStateUntouched(t *testing.T) {
	c, tr, _ := newTestCoordinator(t)
	tr.entries = append(tr.entries, testAtwEntry())
	tr.states[9] = testAtwState()
	ctx := context.Background()

	if err := c.RequestRefresh(ctx); err != nil {
		t.Fatalf("seed refresh error = %v", err)
	}

	sub := &recordingSub{}
	c.SubscribeAll("test", sub.fn)

	// First device changes, second fails to fetch.
	tr.updateState(42, func(st *melcloud.DeviceState) { st.Power = true })
	tr.mu.Lock()
	tr.getErr[9] = fmt.Errorf("fetch: %w", melcloud.ErrNetwork)
	tr.mu.Unlock()

	err := c.RequestRefresh(ctx)
	if err == nil {
		t.Fatal("RequestRefresh() error = nil, want fetch failure")
	}
	if !errors.Is(err, melcloud.ErrNetwork) {
		t.Errorf("error = %v, want ErrNetwork", err)
	}

	dev, _ := c.registry.Get("42")
	if got := dev.State[device.FieldPower]; got != false {
		t.Errorf("power = %v after failed cycle, want previous value false", got)
	}
	if sub.count() != 0 {
		t.Errorf("notifications after failed cycle = %d, want 0", sub.count())
	}

	m := c.Metrics()
	if m.CyclesFailed != 1 {
		t.Errorf("CyclesFailed = %d, want 1", m.CyclesFailed)
	}
}

// TestRequestRefresh_AuthFailureSurfaced verifies an auth failure reaches
// the caller distinctly and does not mark devices stale early.
func TestRequestRefresh_AuthFailureSurfaced(t *testing.T) {
	c, tr, _ := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.RequestRefresh(ctx); err != nil {
		t.Fatalf("seed refresh error = %v", err)
	}

	sub := &recordingSub{}
	c.Subscribe("42", "test", sub.fn)
	tr.setListErr(fmt.Errorf("login rejected: %w", melcloud.ErrAuthFailed))

	err := c.RequestRefresh(ctx)
	if !errors.Is(err, melcloud.ErrAuthFailed) {
		t.Fatalf("RequestRefresh() error = %v, want ErrAuthFailed", err)
	}

	dev, _ := c.registry.Get("42")
	if !dev.Available {
		t.Error("device marked unavailable before staleness threshold")
	}
	if sub.count() != 0 {
		t.Errorf("notifications = %d, want 0", sub.count())
	}
}

// TestRequestRefresh_StaleAfterThreshold verifies devices transition to
// unavailable when fetches keep failing past the staleness window, are
// notified exactly once, and recover on the next good snapshot.
func TestRequestRefresh_StaleAfterThreshold(t *testing.T) {
	c, tr, _ := newTestCoordinator(t, func(o *Options) {
		o.StaleAfter = 50 * time.Millisecond
	})
	ctx := context.Background()

	if err := c.RequestRefresh(ctx); err != nil {
		t.Fatalf("seed refresh error = %v", err)
	}

	sub := &recordingSub{}
	c.Subscribe("42", "test", sub.fn)
	tr.setListErr(fmt.Errorf("fetch: %w", melcloud.ErrNetwork))

	time.Sleep(60 * time.Millisecond)
	if err := c.RequestRefresh(ctx); err == nil {
		t.Fatal("RequestRefresh() error = nil, want failure")
	}

	dev, _ := c.registry.Get("42")
	if dev.Available {
		t.Fatal("device still available past staleness threshold")
	}
	if sub.count() != 1 {
		t.Fatalf("stale notifications = %d, want 1", sub.count())
	}
	if sub.last().Available {
		t.Error("stale notification carries Available = true")
	}

	// A second failing cycle does not re-notify.
	if err := c.RequestRefresh(ctx); err == nil {
		t.Fatal("RequestRefresh() error = nil, want failure")
	}
	if sub.count() != 1 {
		t.Errorf("notifications after second failure = %d, want 1", sub.count())
	}

	// Recovery: the next good snapshot restores availability.
	tr.setListErr(nil)
	if err := c.RequestRefresh(ctx); err != nil {
		t.Fatalf("recovery refresh error = %v", err)
	}
	dev, _ = c.registry.Get("42")
	if !dev.Available {
		t.Error("device not available after recovery")
	}
	if sub.count() != 2 {
		t.Errorf("notifications = %d, want 2 (stale + recovery)", sub.count())
	}
}

// TestRequestRefresh_SkipsUnsupportedDevices verifies unknown device
// families are skipped without failing the cycle.
func TestRequestRefresh_SkipsUnsupportedDevices(t *testing.T) {
	logger := &mockLogger{}
	c, tr, _ := newTestCoordinator(t, func(o *Options) {
		o.Logger = logger
	})
	tr.entries = append(tr.entries, melcloud.DeviceEntry{
		DeviceID:   77,
		BuildingID: 7,
		DeviceName: "Lossnay",
		Device:     &melcloud.DeviceConf{DeviceType: 3},
	})
	tr.states[77] = &melcloud.DeviceState{DeviceID: 77, BuildingID: 7, DeviceType: 3}

	if err := c.RequestRefresh(context.Background()); err != nil {
		t.Fatalf("RequestRefresh() error = %v", err)
	}

	if got := c.registry.Count(); got != 1 {
		t.Errorf("registry count = %d, want 1", got)
	}
	if !logger.hasWarn("skipping device") {
		t.Error("unsupported device not logged")
	}
}

// TestRequestRefresh_AtwZones verifies an air-to-water unit lands in the
// registry with its zones and tank fields flattened.
func TestRequestRefresh_AtwZones(t *testing.T) {
	c, tr, _ := newTestCoordinator(t)
	tr.entries = []melcloud.DeviceEntry{testAtwEntry()}
	delete(tr.states, 42)
	tr.states[9] = testAtwState()

	if err := c.RequestRefresh(context.Background()); err != nil {
		t.Fatalf("RequestRefresh() error = %v", err)
	}

	dev, err := c.registry.Get("9")
	if err != nil {
		t.Fatalf("Get(9) error = %v", err)
	}
	if dev.Family != device.FamilyAtw {
		t.Fatalf("Family = %q, want atw", dev.Family)
	}
	if !dev.HasZone(1) || !dev.HasZone(2) {
		t.Errorf("zones = %+v, want zones 1 and 2", dev.Zones)
	}
	if got := dev.State[device.FieldOperationMode]; got != "heat_zones" {
		t.Errorf("operation_mode = %v, want heat_zones", got)
	}
	if got := dev.State[device.ZoneField(2, device.FieldOperationMode)]; got != "curve" {
		t.Errorf("zone2 mode = %v, want curve", got)
	}
	if got := dev.State[device.FieldTargetTankTemperature]; !device.EqualValues(got, 50.0) {
		t.Errorf("target_tank_temperature = %v, want 50", got)
	}
}

// TestShutdown verifies Close rejects further work, detaches waiting
// callers and is idempotent.
func TestShutdown(t *testing.T) {
	c, tr, _ := newTestCoordinator(t)
	gate := make(chan struct{})
	tr.listGate = gate

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.RequestRefresh(context.Background())
	}()
	waitFor(t, time.Second, func() bool { return tr.listCount() == 1 }, "fetch to start")

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()

	select {
	case err := <-errCh:
		// The waiter detaches via the shutdown signal or observes the
		// cancelled cycle's outcome, whichever the scheduler picks first.
		if !errors.Is(err, ErrShutdown) && !errors.Is(err, context.Canceled) {
			t.Fatalf("waiting caller error = %v, want shutdown or cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting caller did not return")
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	if err := c.RequestRefresh(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Errorf("RequestRefresh after Close = %v, want ErrShutdown", err)
	}
	if _, err := c.Enqueue(context.Background(), Command{
		DeviceID: "42",
		Field:    device.FieldPower,
		Value:    true,
	}); !errors.Is(err, ErrShutdown) {
		t.Errorf("Enqueue after Close = %v, want ErrShutdown", err)
	}

	c.Close() // second Close is a no-op
}

// TestStartClose verifies the periodic loop starts and tears down cleanly
// before its first tick.
func TestStartClose(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.Start()
	c.Close()

	if got := c.Metrics().CyclesTotal; got != 0 {
		t.Errorf("CyclesTotal = %d, want 0 before first tick", got)
	}

	// Start after Close must not spawn a new loop.
	c.Start()
}

// TestBackoffDelay verifies the failure delay doubles per consecutive
// failure and caps at the ceiling.
func TestBackoffDelay(t *testing.T) {
	tr := newFakeTransport()
	c, err := New(Options{
		Transport:      tr,
		Registry:       device.NewRegistry(),
		Interval:       8 * time.Minute,
		BackoffInitial: 30 * time.Second,
		BackoffCeiling: 5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 5 * time.Minute},
		{9, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := c.backoffDelay(tt.failures); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
