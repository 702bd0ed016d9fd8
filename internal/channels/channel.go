// Package channels is the gateway facade: one Adapter implementation per
// external surface (Telegram, Discord, ...), all normalized to
// models.InboundEnvelope/OutboundEnvelope so the rest of the module never
// branches on which channel a message came from.
package channels

import (
	"context"
	"time"

	"github.com/lanehub/conductor/pkg/models"
)

// Capabilities reports what an adapter's underlying platform can actually
// render, so Registry.Send can gate streaming deltas and typing indicators
// per channel instead of assuming every adapter supports everything
// (spec §6).
type Capabilities struct {
	StreamingDeltas bool
	TypingIndicator bool
}

// InboundSender is how an adapter hands normalized events to the gateway.
// It is supplied to the adapter constructor rather than discovered via a
// Messages() channel, since the gateway owns lane routing and wants
// envelopes pushed directly into Scheduler.Submit.
type InboundSender func(ctx context.Context, env models.InboundEnvelope)

// Adapter is the interface boundary every channel implementation satisfies.
// Narrower than a full platform client on purpose: wire protocol, retries,
// and rate limiting are each adapter's own business, not part of this
// contract.
type Adapter interface {
	// Start begins listening for inbound events and pushing them through the
	// InboundSender given at construction. It blocks until ctx is cancelled
	// or a fatal connection error occurs.
	Start(ctx context.Context) error

	// Stop releases the adapter's connection and any background goroutines.
	Stop(ctx context.Context) error

	// Send delivers one outbound envelope. Callers must not send
	// OutboundDelta or OutboundTypingOn/Off envelopes to an adapter whose
	// Capabilities() don't advertise support; the facade enforces this, not
	// the adapter.
	Send(ctx context.Context, env models.OutboundEnvelope) error

	// ChannelID returns the identifier this adapter registers under.
	ChannelID() models.ChannelID

	// Capabilities reports this adapter's rendering support.
	Capabilities() Capabilities

	// Status reports the current connection state.
	Status() Status
}

// Status is an adapter's current connection state, surfaced by the
// control-plane health endpoint.
type Status struct {
	Connected bool
	Error     string
	LastEvent time.Time
}

// Registry holds every wired adapter, keyed by channel ID.
type Registry struct {
	adapters map[models.ChannelID]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.ChannelID]Adapter)}
}

// Register adds adapter under its own ChannelID, replacing any prior entry.
func (r *Registry) Register(adapter Adapter) {
	r.adapters[adapter.ChannelID()] = adapter
}

// Get looks up an adapter by channel ID.
func (r *Registry) Get(id models.ChannelID) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// All returns every registered adapter, order unspecified.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// StartAll launches every registered adapter's Start on its own goroutine,
// since Start blocks for the adapter's lifetime (spec §6: "runs forever,
// emits normalized envelopes"). It waits only long enough to surface a
// synchronous connection failure from any adapter, then returns so the
// caller can move on to starting its other listeners.
func (r *Registry) StartAll(ctx context.Context) error {
	errCh := make(chan error, len(r.adapters))
	for _, a := range r.adapters {
		a := a
		go func() {
			errCh <- a.Start(ctx)
		}()
	}

	for range r.adapters {
		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
		case <-time.After(2 * time.Second):
			return nil
		}
	}
	return nil
}

// StopAll stops every registered adapter, returning the last error seen.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, a := range r.adapters {
		if err := a.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Send routes env to its channel's adapter, dropping delta/typing envelopes
// the target adapter can't render rather than erroring the caller.
func (r *Registry) Send(ctx context.Context, env models.OutboundEnvelope) error {
	adapter, ok := r.Get(env.ChannelID)
	if !ok {
		return ErrUnknownChannel
	}
	caps := adapter.Capabilities()
	switch env.Kind {
	case models.OutboundDelta:
		if !caps.StreamingDeltas {
			return nil
		}
	case models.OutboundTypingOn, models.OutboundTypingOff:
		if !caps.TypingIndicator {
			return nil
		}
	}
	return adapter.Send(ctx, env)
}

// ErrUnknownChannel is returned by Registry.Send when no adapter is
// registered for the envelope's channel ID.
var ErrUnknownChannel = errUnknownChannel{}

type errUnknownChannel struct{}

func (errUnknownChannel) Error() string { return "channels: unknown channel" }
