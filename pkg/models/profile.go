package models

import "time"

// ModelProfile is one entry in the model profile chain (spec §4.3). The
// chain is walked in configured order; a profile is skipped while it is
// cooling down.
type ModelProfile struct {
	ID                  string
	Provider            string // "anthropic", "openai", etc.
	Model               string
	CredentialRef        string // config key or env var name, never the secret itself
	SupportsStreaming    bool
	SupportsTools        bool
	CooldownUntil        time.Time
	ConsecutiveFailures  int
}

// Available reports whether the profile can be tried right now.
func (p ModelProfile) Available(now time.Time) bool {
	return now.After(p.CooldownUntil) || now.Equal(p.CooldownUntil)
}
