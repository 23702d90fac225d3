// Package device provides the in-memory heat pump registry.
//
// The registry is the single authority on what the melbridge daemon knows
// about every MELCloud unit: its frozen capability set, the last confirmed
// state, and the optimistic targets awaiting cloud confirmation. The cloud
// owns device identity, so devices appear when a poll first reports them
// and are marked unavailable, never removed, when they go quiet.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────────┐
//	│                          Device Registry                             │
//	│                                                                      │
//	│  ┌──────────────────┐   ┌──────────────────┐   ┌─────────────────┐  │
//	│  │     Registry     │   │   Normalization  │   │   Validation    │  │
//	│  │  (registry.go)   │◀──│  (normalize.go)  │   │ (validation.go) │  │
//	│  │                  │   │                  │   │                 │  │
//	│  │ • confirmed state│   │ • wire → fields  │   │ • target checks │  │
//	│  │ • target overlay │   │ • capabilities   │   │ • wire staging  │  │
//	│  │ • staleness      │   │ • partial detect │   │ • bounds        │  │
//	│  └──────────────────┘   └──────────────────┘   └─────────────────┘  │
//	│           │                                                          │
//	└───────────│──────────────────────────────────────────────────────────┘
//	            ▼
//	┌──────────────────────┐   ┌──────────────────────┐
//	│  Coordinator / API / │   │   SQLite Database    │
//	│  MQTT bridge         │   │ (state_history table)│
//	└──────────────────────┘   └──────────────────────┘
//
// # Key Types
//
//   - Device: one heat pump with confirmed State and optimistic Target
//   - Family: air-to-air (ata) or air-to-water (atw)
//   - Capabilities: frozen hardware description from the first observation
//   - Observation: one normalized poll result, ready to merge
//   - StateHistoryRepository: confirmed-state audit trail in SQLite
//
// # State Model
//
// Confirmed state only ever changes when a poll reports new values
// (ApplyConfirmed); a failed poll or a rejected write leaves it untouched.
// Optimistic targets live in a separate overlay (ApplyOptimistic) and are
// cleared when the cloud confirms the value or the command expires
// (ClearTarget). DisplayedState overlays the two for presentation, so a
// caller always reads back the value it just wrote.
//
// # Usage
//
//	registry := device.NewRegistry()
//	registry.SetLogger(log)
//
//	// From a poll cycle
//	obs, err := device.Normalize(entry, state, time.Now().UTC())
//	if err != nil {
//	    return err
//	}
//	dev, changes := registry.ApplyConfirmed(obs)
//	if changes.HasChanges() {
//	    hub.Notify(dev, changes)
//	}
//
//	// From a command
//	value, err := device.ValidateTarget(dev, 0, device.FieldTargetTemperature, 21.0)
//	if err != nil {
//	    return err
//	}
//	dev, _ = registry.ApplyOptimistic(dev.ID, device.FieldTargetTemperature, value)
//
// # Thread Safety
//
// The Registry is safe for concurrent use. Every accessor returns deep
// copies and every mutation replaces the cached entry atomically, so no
// caller ever holds a reference into registry-owned state.
package device
