// Package melcloud implements the HTTP transport for Mitsubishi Electric's
// MELCloud service, the cloud side of Wi-Fi equipped air-to-air (ATA) and
// air-to-water (ATW) heat pumps.
//
// The client is a stateless transport: it authenticates, lists devices,
// fetches device state snapshots and posts staged writes. Polling cadence,
// change detection and command reconciliation live in the coordinator
// package, which owns the snapshots this package returns.
//
// # Authentication
//
// Login exchanges the account credentials for a context key, sent as the
// X-MitsContextKey header on every subsequent call. MELCloud expires keys
// without notice; a rejected key triggers exactly one silent re-login and
// retry before the call fails with ErrAuthFailed.
//
// # Writes
//
// MELCloud writes are full-state posts. A staged write starts from a clone
// of the latest snapshot, applies one or more Set* helpers (which also
// accumulate the EffectiveFlags bitmask telling the cloud what changed)
// and goes out via SetDeviceState:
//
//	staged := snapshot.Clone()
//	if err := staged.SetOperationMode("heat"); err != nil {
//		return err
//	}
//	staged.SetTargetTemperature(21.0)
//
//	pending, err := client.SetDeviceState(ctx, staged)
//
// The response echoes the device with HasPendingCommand set; the unit
// itself applies the change minutes later, so callers confirm against a
// later poll rather than the post response.
//
// # Failure Classes
//
// Every error wraps one of the package sentinels (ErrAuthFailed,
// ErrRateLimited, ErrNetwork, ErrMalformedResponse) so callers can branch
// with errors.Is. Rate limiting carries the Retry-After hint via
// RateLimitError.
package melcloud
