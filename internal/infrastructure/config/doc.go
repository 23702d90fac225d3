// Package config loads and validates the melbridge configuration file.
//
// Configuration is a single YAML document read once at startup. Load
// applies defaults, layers MELBRIDGE_* environment variables over the
// file, then validates the result. Validation collects every problem
// into one error so a bad file is fixed in a single pass.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Coordinator.RefreshIntervalMinutes)
//
// Credentials (the MELCloud account, MQTT password, InfluxDB token) belong
// in environment variables, not the file, and the file itself should be
// kept at 0600 since it may carry them anyway.
//
// Range rules are rejections, not corrections: an out-of-range refresh
// interval fails Validate() rather than being clamped to the nearest bound.
package config
