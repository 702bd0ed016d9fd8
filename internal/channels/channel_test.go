package channels

import (
	"context"
	"testing"
	"time"

	"github.com/lanehub/conductor/pkg/models"
)

type fakeAdapter struct {
	id   models.ChannelID
	caps Capabilities
	sent []models.OutboundEnvelope
}

func (f *fakeAdapter) Start(ctx context.Context) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error  { return nil }
func (f *fakeAdapter) Send(ctx context.Context, env models.OutboundEnvelope) error {
	f.sent = append(f.sent, env)
	return nil
}
func (f *fakeAdapter) ChannelID() models.ChannelID { return f.id }
func (f *fakeAdapter) Capabilities() Capabilities  { return f.caps }
func (f *fakeAdapter) Status() Status              { return Status{Connected: true, LastEvent: time.Now()} }

func TestRegistrySendUnknownChannel(t *testing.T) {
	r := NewRegistry()
	err := r.Send(context.Background(), models.OutboundEnvelope{ChannelID: "telegram", Kind: models.OutboundFinal})
	if err != ErrUnknownChannel {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestRegistrySendFinalAlwaysDelivered(t *testing.T) {
	r := NewRegistry()
	a := &fakeAdapter{id: "telegram", caps: Capabilities{}}
	r.Register(a)

	env := models.OutboundEnvelope{ChannelID: "telegram", Kind: models.OutboundFinal, Content: "hi"}
	if err := r.Send(context.Background(), env); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(a.sent) != 1 {
		t.Fatalf("expected 1 delivered envelope, got %d", len(a.sent))
	}
}

func TestRegistrySendDropsUnsupportedDelta(t *testing.T) {
	r := NewRegistry()
	a := &fakeAdapter{id: "telegram", caps: Capabilities{StreamingDeltas: false}}
	r.Register(a)

	env := models.OutboundEnvelope{ChannelID: "telegram", Kind: models.OutboundDelta, Content: "partial"}
	if err := r.Send(context.Background(), env); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(a.sent) != 0 {
		t.Fatalf("expected delta to be dropped, got %d sent", len(a.sent))
	}
}

func TestRegistrySendDeliversDeltaWhenSupported(t *testing.T) {
	r := NewRegistry()
	a := &fakeAdapter{id: "discord", caps: Capabilities{StreamingDeltas: true}}
	r.Register(a)

	env := models.OutboundEnvelope{ChannelID: "discord", Kind: models.OutboundDelta, Content: "partial"}
	if err := r.Send(context.Background(), env); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(a.sent) != 1 {
		t.Fatalf("expected delta to be delivered, got %d sent", len(a.sent))
	}
}

func TestRegistrySendDropsTypingWhenUnsupported(t *testing.T) {
	r := NewRegistry()
	a := &fakeAdapter{id: "telegram", caps: Capabilities{TypingIndicator: false}}
	r.Register(a)

	for _, kind := range []models.OutboundKind{models.OutboundTypingOn, models.OutboundTypingOff} {
		if err := r.Send(context.Background(), models.OutboundEnvelope{ChannelID: "telegram", Kind: kind}); err != nil {
			t.Fatalf("send %v: %v", kind, err)
		}
	}
	if len(a.sent) != 0 {
		t.Fatalf("expected typing envelopes to be dropped, got %d sent", len(a.sent))
	}
}

func TestRegistryAllAndGet(t *testing.T) {
	r := NewRegistry()
	a := &fakeAdapter{id: "telegram"}
	r.Register(a)

	if got, ok := r.Get("telegram"); !ok || got != a {
		t.Fatalf("Get did not return registered adapter")
	}
	if _, ok := r.Get("discord"); ok {
		t.Fatalf("expected no adapter registered for discord")
	}
	if all := r.All(); len(all) != 1 {
		t.Fatalf("expected 1 adapter, got %d", len(all))
	}
}

func TestRegistryStartAllStopAll(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeAdapter{id: "telegram"})
	r.Register(&fakeAdapter{id: "discord"})

	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := r.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
}
