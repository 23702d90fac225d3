package coordinator

import "errors"

// ErrShutdown is returned by RequestRefresh and Enqueue after Close.
var ErrShutdown = errors.New("coordinator: shut down")

// ErrUnknownDevice is returned when a command targets a device the
// registry has never observed.
var ErrUnknownDevice = errors.New("coordinator: unknown device")

// ErrCommandExpired is carried by the CommandResult delivered to a
// command's issuer when the cloud never reflected the target within the
// confirmation window. It is a timeout, not a fatal error: the optimistic
// value has been reverted and the device keeps polling normally.
var ErrCommandExpired = errors.New("coordinator: command expired unconfirmed")
