// Package logging is the structured logger for the daemon, a thin
// wrapper over log/slog.
//
// Every record carries service and version fields so log aggregators
// can tell melbridge instances apart. Format, level and destination
// come from the logging section of config.yaml:
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "json"   # json for production, text for development
//	  output: "stdout" # stdout or stderr
//
// Subsystems receive child loggers tagged with their component name:
//
//	coord := log.With("component", "coordinator")
//	coord.Info("refresh complete", "devices", n, "changed", changed)
//
// Credentials never go in log records. The MELCloud password and
// context key in particular must not appear at any level; log a short
// prefix when a token must be correlated:
//
//	log.Debug("session established", "token_prefix", token[:8])
package logging
