package coordinator

import (
	"context"
	"testing"

	"github.com/divers33/hass-melcloud-coordinator/internal/device"
	"github.com/divers33/hass-melcloud-coordinator/internal/melcloud"
)

// TestSubscribe_ReplacesSameID verifies re-subscribing with the same
// subscriber ID swaps the callback instead of adding a second one.
func TestSubscribe_ReplacesSameID(t *testing.T) {
	c, tr, _ := newTestCoordinator(t)
	seedRefresh(t, c)

	stale := &recordingSub{}
	current := &recordingSub{}
	c.Subscribe("42", "bridge", stale.fn)
	c.Subscribe("42", "bridge", current.fn)

	tr.updateState(42, func(st *melcloud.DeviceState) { st.Power = true })
	if err := c.RequestRefresh(context.Background()); err != nil {
		t.Fatalf("RequestRefresh() error = %v", err)
	}

	if stale.count() != 0 {
		t.Errorf("replaced callback notifications = %d, want 0", stale.count())
	}
	if current.count() != 1 {
		t.Errorf("current callback notifications = %d, want 1", current.count())
	}
}

// TestUnsubscribe_Idempotent verifies removal stops delivery and unknown
// IDs are ignored.
func TestUnsubscribe_Idempotent(t *testing.T) {
	c, tr, _ := newTestCoordinator(t)
	seedRefresh(t, c)

	sub := &recordingSub{}
	c.Subscribe("42", "bridge", sub.fn)
	c.Unsubscribe("42", "bridge")
	c.Unsubscribe("42", "bridge")
	c.Unsubscribe("42", "never-registered")
	c.Unsubscribe("no-such-device", "bridge")
	c.UnsubscribeAll("never-registered")
	c.UnsubscribeResults("never-registered")

	tr.updateState(42, func(st *melcloud.DeviceState) { st.Power = true })
	if err := c.RequestRefresh(context.Background()); err != nil {
		t.Fatalf("RequestRefresh() error = %v", err)
	}
	if sub.count() != 0 {
		t.Errorf("notifications after unsubscribe = %d, want 0", sub.count())
	}
}

// TestSubscribeAll_ReceivesEveryDevice verifies an all-devices
// subscription sees devices it never named, including new ones.
func TestSubscribeAll_ReceivesEveryDevice(t *testing.T) {
	c, tr, _ := newTestCoordinator(t)
	tr.entries = append(tr.entries, testAtwEntry())
	tr.states[9] = testAtwState()

	sub := &recordingSub{}
	c.SubscribeAll("bridge", sub.fn)

	if err := c.RequestRefresh(context.Background()); err != nil {
		t.Fatalf("RequestRefresh() error = %v", err)
	}

	if sub.count() != 2 {
		t.Fatalf("notifications = %d, want one per discovered device", sub.count())
	}
	if seen := sub.deviceIDs(); !seen["42"] || !seen["9"] {
		t.Errorf("notified devices = %v, want 42 and 9", seen)
	}
}

// TestSubscriberPanicIsolation verifies one panicking callback neither
// fails the cycle nor starves other subscribers.
func TestSubscriberPanicIsolation(t *testing.T) {
	logger := &mockLogger{}
	c, tr, _ := newTestCoordinator(t, func(o *Options) {
		o.Logger = logger
	})
	seedRefresh(t, c)

	healthy := &recordingSub{}
	c.Subscribe("42", "broken", func(*device.Device) { panic("subscriber broke") })
	c.Subscribe("42", "healthy", healthy.fn)

	tr.updateState(42, func(st *melcloud.DeviceState) { st.Power = true })
	if err := c.RequestRefresh(context.Background()); err != nil {
		t.Fatalf("RequestRefresh() error = %v, want panic isolated", err)
	}

	if healthy.count() != 1 {
		t.Errorf("healthy subscriber notifications = %d, want 1", healthy.count())
	}
	if !logger.hasError("subscriber callback panicked") {
		t.Error("subscriber panic not logged")
	}
}

// TestNotificationsAreDeepCopies verifies a subscriber mutating its copy
// cannot corrupt registry state or other subscribers' copies.
func TestNotificationsAreDeepCopies(t *testing.T) {
	c, tr, _ := newTestCoordinator(t)
	seedRefresh(t, c)

	other := &recordingSub{}
	c.Subscribe("42", "vandal", func(dev *device.Device) {
		dev.State[device.FieldPower] = "corrupted"
		dev.Name = "corrupted"
	})
	c.Subscribe("42", "other", other.fn)

	tr.updateState(42, func(st *melcloud.DeviceState) {
		st.RoomTemperature = floatPtr(20.0)
	})
	if err := c.RequestRefresh(context.Background()); err != nil {
		t.Fatalf("RequestRefresh() error = %v", err)
	}

	dev, _ := c.registry.Get("42")
	if dev.Name != "Living Room" || dev.State[device.FieldPower] != false {
		t.Errorf("registry state mutated by subscriber: name=%q power=%v",
			dev.Name, dev.State[device.FieldPower])
	}
	if got := other.last().State[device.FieldPower]; got != false {
		t.Errorf("second subscriber saw mutated power = %v", got)
	}
}

// TestSubscribe_InvalidArgsIgnored verifies missing IDs and nil callbacks
// never register.
func TestSubscribe_InvalidArgsIgnored(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	c.Subscribe("", "bridge", func(*device.Device) {})
	c.Subscribe("42", "", func(*device.Device) {})
	c.Subscribe("42", "bridge", nil)
	c.SubscribeAll("", func(*device.Device) {})
	c.SubscribeAll("bridge", nil)
	c.SubscribeResults("", func(CommandResult) {})
	c.SubscribeResults("bridge", nil)

	if got := c.Metrics().Subscribers; got != 0 {
		t.Errorf("subscribers = %d, want 0", got)
	}
}

// TestMetrics_SubscriberCount verifies the counter tracks every
// registration kind.
func TestMetrics_SubscriberCount(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	c.Subscribe("42", "a", func(*device.Device) {})
	c.Subscribe("42", "b", func(*device.Device) {})
	c.Subscribe("9", "a", func(*device.Device) {})
	c.SubscribeAll("ws", func(*device.Device) {})
	c.SubscribeResults("ws", func(CommandResult) {})

	if got := c.Metrics().Subscribers; got != 5 {
		t.Errorf("subscribers = %d, want 5", got)
	}

	c.Unsubscribe("42", "a")
	c.UnsubscribeAll("ws")
	if got := c.Metrics().Subscribers; got != 3 {
		t.Errorf("subscribers after removal = %d, want 3", got)
	}
}
