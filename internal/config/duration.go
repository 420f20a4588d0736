package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields in the config file are Go duration strings ("250ms",
// "10s", "1h"). They stay strings in the Config struct so an invalid value
// is reported with its config path instead of failing deep inside a
// component; the app layer converts them at wiring time.

// ParseDurationField parses one such field. Empty means "not set" and
// yields zero; negative durations are rejected outright since no setting
// here has a meaningful negative.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for unset
// fields.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
