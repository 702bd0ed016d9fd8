package agent

import (
	"sync"
	"time"

	"github.com/lanehub/conductor/pkg/models"
)

// ProfileChain is the ordered model profile chain from spec §4.3: a
// primary profile followed by declared fallbacks, each with independent
// exponential cooldown state. Cooldown state is shared across runs and
// protected by a short critical section, per spec §5.
type ProfileChain struct {
	mu       sync.Mutex
	profiles []*models.ModelProfile

	cooldownBase time.Duration
	cooldownMax  time.Duration
}

// NewProfileChain builds a chain from profiles in declared order. If a
// provider lists multiple credentials, callers should have already
// expanded that into one *models.ModelProfile per credential before
// calling this (spec §4.3: "if multiple credentials are provided for a
// provider, expand into one entry per credential in declared order").
func NewProfileChain(profiles []*models.ModelProfile, cooldownBase, cooldownMax time.Duration) *ProfileChain {
	return &ProfileChain{profiles: profiles, cooldownBase: cooldownBase, cooldownMax: cooldownMax}
}

// Next returns the next profile to try for session at now, honoring
// pinning. The returned index lets RecordFailure/RecordSuccess address the
// same profile without a second lookup.
func (c *ProfileChain) Next(session *models.Session, now time.Time, tried map[string]bool) (*models.ModelProfile, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := c.candidateIndices(session)
	for _, idx := range candidates {
		p := c.profiles[idx]
		if tried[p.ID] {
			continue
		}
		if !p.Available(now) {
			continue
		}
		return p, idx, nil
	}

	triedNames := make([]string, 0, len(tried))
	for id := range tried {
		triedNames = append(triedNames, id)
	}
	return nil, -1, &ModelExhaustedError{Pinning: session.ModelPinning, TriedProfiles: triedNames}
}

// candidateIndices returns profile indices in the order Next should try
// them, already filtering by pinning mode (not yet by cooldown).
func (c *ProfileChain) candidateIndices(session *models.Session) []int {
	var pinned, rest []int
	for i, p := range c.profiles {
		if session.ModelOverride != "" && matchesOverride(p, session.ModelOverride) {
			pinned = append(pinned, i)
		} else {
			rest = append(rest, i)
		}
	}

	switch session.ModelPinning {
	case models.PinningStrict:
		if session.ModelOverride == "" {
			return append(pinned, rest...) // no override set: pinning is moot
		}
		return pinned // strict: never fall back past the pinned set
	case models.PinningPrefer:
		return append(pinned, rest...)
	default:
		if session.ModelOverride == "" {
			return append(pinned, rest...)
		}
		return append(pinned, rest...) // unset pinning behaves like prefer
	}
}

func matchesOverride(p *models.ModelProfile, override string) bool {
	return p.ID == override || p.Model == override
}

// RecordFailure increments the profile's failure streak and sets an
// exponential cooldown: base * 2^(failures-1), capped.
func (c *ProfileChain) RecordFailure(idx int, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx < 0 || idx >= len(c.profiles) {
		return
	}
	p := c.profiles[idx]
	p.ConsecutiveFailures++

	backoff := c.cooldownBase
	for i := 1; i < p.ConsecutiveFailures; i++ {
		backoff *= 2
		if backoff > c.cooldownMax {
			backoff = c.cooldownMax
			break
		}
	}
	p.CooldownUntil = now.Add(backoff)
}

// RecordSuccess clears a profile's failure streak and cooldown.
func (c *ProfileChain) RecordSuccess(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx < 0 || idx >= len(c.profiles) {
		return
	}
	c.profiles[idx].ConsecutiveFailures = 0
	c.profiles[idx].CooldownUntil = time.Time{}
}

// Call drives one model invocation against the chain: it asks Next for a
// profile, invokes fn, and on failure either retries the same profile (when
// the error is transient per isRetryableProviderError) or records the
// failure and advances to the next candidate. It returns once fn succeeds
// or the chain is exhausted.
func (c *ProfileChain) Call(session *models.Session, now func() time.Time, fn func(p *models.ModelProfile) error) error {
	tried := make(map[string]bool)
	const maxSameProfileRetries = 2

	for {
		p, idx, err := c.Next(session, now(), tried)
		if err != nil {
			return err
		}

		var lastErr error
		for attempt := 0; attempt <= maxSameProfileRetries; attempt++ {
			lastErr = fn(p)
			if lastErr == nil {
				c.RecordSuccess(idx)
				return nil
			}
			if attempt < maxSameProfileRetries && isRetryableProviderError(lastErr) {
				continue
			}
			break
		}

		c.RecordFailure(idx, now())
		tried[p.ID] = true
	}
}

// Snapshot returns a copy of each profile's state for observability.
func (c *ProfileChain) Snapshot() []models.ModelProfile {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.ModelProfile, len(c.profiles))
	for i, p := range c.profiles {
		out[i] = *p
	}
	return out
}
