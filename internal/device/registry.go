package device

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// Logger is the slice of the logging API the registry needs. The
// infrastructure logger satisfies it; tests pass their own.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger discards everything. It stands in until SetLogger is called.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Observation is one device as normalized from a poll cycle. State carries
// only the fields the payload actually reported; Missing lists expected
// fields the payload left out, so partial updates can be logged without
// touching the previous confirmed values.
type Observation struct {
	CloudID      int64
	BuildingID   int64
	Name         string
	MacAddress   string
	SerialNumber string
	Family       Family
	Capabilities Capabilities
	Zones        []Zone
	State        State
	Missing      []string
	ObservedAt   time.Time
}

// DeviceID returns the registry key for the observation.
func (o Observation) DeviceID() string {
	return strconv.FormatInt(o.CloudID, 10)
}

// FieldChange is one confirmed-state field transition.
type FieldChange struct {
	Field    string `json:"field"`
	Previous any    `json:"previous,omitempty"`
	Current  any    `json:"current"`
}

// ChangeSet describes what an operation changed on a device. Subscribers
// are notified only when HasChanges reports true.
type ChangeSet struct {
	DeviceID        string
	Created         bool
	BecameAvailable bool
	Fields          []FieldChange
}

// HasChanges reports whether anything observable changed.
func (c ChangeSet) HasChanges() bool {
	return c.Created || c.BecameAvailable || len(c.Fields) > 0
}

// EqualValues compares two normalized state values. Values are bool,
// float64 or string after normalization, so anything else falls back to
// plain interface equality.
func EqualValues(a, b any) bool {
	if af, ok := a.(float64); ok {
		bf, ok := b.(float64)
		if !ok {
			return false
		}
		diff := af - bf
		return diff < 1e-9 && diff > -1e-9
	}
	return a == b
}

// Registry tracks every device observed since startup. The cloud owns
// device identity, so there is no create/delete surface: devices appear
// when a poll first reports them and are marked unavailable, never
// removed, when they stop appearing.
//
// All accessors hand out deep copies and all mutations replace the cached
// entry atomically under the write lock, so callers can never alias
// registry-owned state.
type Registry struct {
	devices map[string]*Device
	mu      sync.RWMutex
	logger  Logger
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		logger:  noopLogger{},
	}
}

// SetLogger replaces the registry's logger. A nil logger reverts to the
// discarding default.
func (r *Registry) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// Get looks up one device, returning ErrDeviceNotFound for unknown IDs.
// The result is a deep copy the caller owns.
func (r *Registry) Get(id string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return d.DeepCopy(), nil
}

// List returns every tracked device ordered by ID, each a deep copy the
// caller owns.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByFamily retrieves all devices of one family, ordered by ID.
func (r *Registry) ListByFamily(family Family) []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Device
	for _, d := range r.devices {
		if d.Family == family {
			out = append(out, d.DeepCopy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of tracked devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// ApplyConfirmed merges one observation into the device's confirmed state.
//
// A first observation creates the device, freezing its capabilities and
// zone list. Later observations update only the fields the payload
// reported; fields listed in Missing keep their previous confirmed value
// and are logged as a partial update. Field-level changes, creation and an
// availability flip back to online are reported in the ChangeSet.
//
// The returned device is a deep copy of the post-merge entry.
func (r *Registry) ApplyConfirmed(obs Observation) (*Device, ChangeSet) {
	id := obs.DeviceID()
	changes := ChangeSet{DeviceID: id}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[id]
	if !ok {
		created := &Device{
			ID:             id,
			CloudID:        obs.CloudID,
			BuildingID:     obs.BuildingID,
			Name:           obs.Name,
			MacAddress:     obs.MacAddress,
			SerialNumber:   obs.SerialNumber,
			Family:         obs.Family,
			Capabilities:   obs.Capabilities,
			Zones:          append([]Zone(nil), obs.Zones...),
			State:          deepCopyMap(obs.State),
			Target:         State{},
			Available:      true,
			LastSeen:       obs.ObservedAt,
			StateUpdatedAt: obs.ObservedAt,
			CreatedAt:      obs.ObservedAt,
			UpdatedAt:      obs.ObservedAt,
		}
		if created.State == nil {
			created.State = State{}
		}
		r.devices[id] = created

		changes.Created = true
		for _, field := range sortedKeys(obs.State) {
			changes.Fields = append(changes.Fields, FieldChange{Field: field, Current: obs.State[field]})
		}

		r.logger.Info("device observed for the first time",
			"id", id, "name", obs.Name, "family", obs.Family)
		return created.DeepCopy(), changes
	}

	updated := existing.DeepCopy()

	for _, field := range sortedKeys(obs.State) {
		value := obs.State[field]
		previous, had := updated.State[field]
		if had && EqualValues(previous, value) {
			continue
		}
		updated.State[field] = deepCopyValue(value)
		change := FieldChange{Field: field, Current: value}
		if had {
			change.Previous = previous
		}
		changes.Fields = append(changes.Fields, change)
	}

	if !updated.Available {
		changes.BecameAvailable = true
		r.logger.Info("device available again", "id", id)
	}
	updated.Available = true
	updated.LastSeen = obs.ObservedAt
	updated.UpdatedAt = obs.ObservedAt
	if obs.Name != "" {
		updated.Name = obs.Name
	}
	if len(changes.Fields) > 0 {
		updated.StateUpdatedAt = obs.ObservedAt
	}

	r.devices[id] = updated

	if len(obs.Missing) > 0 {
		r.logger.Warn("partial update, keeping previous values",
			"id", id, "missing", obs.Missing)
	}

	return updated.DeepCopy(), changes
}

// ApplyOptimistic records a pending target for a state key. The key is the
// flattened field name (ZoneField output for zone-scoped fields). Displayed
// state reflects the target immediately; confirmed state is untouched.
func (r *Registry) ApplyOptimistic(id, key string, value any) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}

	updated := existing.DeepCopy()
	if updated.Target == nil {
		updated.Target = State{}
	}
	updated.Target[key] = deepCopyValue(value)
	updated.UpdatedAt = time.Now().UTC()
	r.devices[id] = updated

	r.logger.Debug("optimistic target set", "id", id, "field", key, "value", value)
	return updated.DeepCopy(), nil
}

// ClearTarget removes a pending target, letting displayed state fall back
// to the confirmed value. Reports whether the target existed.
func (r *Registry) ClearTarget(id, key string) (*Device, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[id]
	if !ok {
		return nil, false, ErrDeviceNotFound
	}

	_, had := existing.Target[key]
	if !had {
		return existing.DeepCopy(), false, nil
	}

	updated := existing.DeepCopy()
	delete(updated.Target, key)
	updated.UpdatedAt = time.Now().UTC()
	r.devices[id] = updated

	return updated.DeepCopy(), true, nil
}

// MarkStaleBefore flips devices last seen before the cutoff to unavailable.
// Devices are never removed. Returns deep copies of the devices whose
// availability changed, for subscriber notification.
func (r *Registry) MarkStaleBefore(cutoff time.Time) []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	var transitioned []*Device
	for id, d := range r.devices {
		if !d.Available || !d.LastSeen.Before(cutoff) {
			continue
		}
		updated := d.DeepCopy()
		updated.Available = false
		updated.UpdatedAt = time.Now().UTC()
		r.devices[id] = updated
		transitioned = append(transitioned, updated.DeepCopy())

		r.logger.Warn("device marked unavailable",
			"id", id, "last_seen", d.LastSeen.Format(time.RFC3339))
	}

	sort.Slice(transitioned, func(i, j int) bool { return transitioned[i].ID < transitioned[j].ID })
	return transitioned
}

// Stats summarises the registry for the metrics endpoint.
type Stats struct {
	TotalDevices int
	ByFamily     map[Family]int
	Available    int
	Unavailable  int
}

// GetStats counts devices by family and availability.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalDevices: len(r.devices),
		ByFamily:     make(map[Family]int),
	}

	for _, d := range r.devices {
		stats.ByFamily[d.Family]++
		if d.Available {
			stats.Available++
		} else {
			stats.Unavailable++
		}
	}

	return stats
}

// sortedKeys returns the map's keys in lexical order so change lists and
// log lines come out deterministic.
func sortedKeys(m State) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
