// Package debounce resolves how long a lane should wait before treating a
// batch of inbound envelopes as final (spec §4.6 step 1).
package debounce

import "time"

// DebounceConfig holds configuration for debouncing inbound messages.
type DebounceConfig struct {
	// DebounceMs is the base debounce delay in milliseconds.
	DebounceMs int

	// ByChannel maps channel identifiers to channel-specific debounce delays.
	ByChannel map[string]int
}

// ResolveDebounceMs resolves the effective debounce duration using the
// priority: override > byChannel > base. Returns a time.Duration.
func ResolveDebounceMs(config DebounceConfig, channel string, override *int) time.Duration {
	// Priority 1: explicit override
	if override != nil && *override >= 0 {
		return time.Duration(*override) * time.Millisecond
	}

	// Priority 2: channel-specific setting
	if config.ByChannel != nil {
		if ms, ok := config.ByChannel[channel]; ok && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}

	// Priority 3: base config
	if config.DebounceMs >= 0 {
		return time.Duration(config.DebounceMs) * time.Millisecond
	}

	return 0
}
