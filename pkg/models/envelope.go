// Package models defines the data types shared across the gateway: inbound
// and outbound message envelopes, session scopes, conversation history, tool
// calls, and model profiles.
package models

import "time"

// ChannelID identifies an external channel adapter (telegram, discord, ...).
type ChannelID string

// EnvelopeKind distinguishes inbound event shapes.
type EnvelopeKind string

const (
	EnvelopeMessage  EnvelopeKind = "message"
	EnvelopeReaction EnvelopeKind = "reaction"
	EnvelopeControl  EnvelopeKind = "control"
)

// InboundEnvelope is the normalized shape every channel adapter emits.
// Immutable once constructed; received_seq is assigned by the adapter and
// must be strictly increasing per channel within one process lifetime (I6).
type InboundEnvelope struct {
	ChannelID   ChannelID
	SenderID    string
	ThreadID    string
	IsGroup     bool
	Kind        EnvelopeKind
	Payload     string // text content, or an emoji for Kind=reaction
	ArrivalTime time.Time
	ReceivedSeq uint64
}

// Scope returns the SessionScope this envelope routes to.
func (e InboundEnvelope) Scope() SessionScope {
	return SessionScope{ChannelID: e.ChannelID, SenderID: e.SenderID}
}

// OutboundKind distinguishes outbound dispatch shapes.
type OutboundKind string

const (
	OutboundFinal     OutboundKind = "final"
	OutboundDelta     OutboundKind = "delta"
	OutboundTypingOn  OutboundKind = "typing_on"
	OutboundTypingOff OutboundKind = "typing_off"
)

// OutboundEnvelope is sent back through the originating channel. Delta and
// typing envelopes are only emitted when the channel's Capabilities say it
// can render them; the facade is responsible for that gating, not the caller.
type OutboundEnvelope struct {
	ChannelID ChannelID
	Recipient string
	Kind      OutboundKind
	Content   string
}

// SessionScope is the primary key of the session store: (channel_id,
// sender_id). Group threads share the scope of their sender; ThreadID on the
// envelope is carried for routing only, never for session identity.
type SessionScope struct {
	ChannelID ChannelID
	SenderID  string
}

// Key returns a flat string suitable for map keys and storage lookups.
func (s SessionScope) Key() string {
	return string(s.ChannelID) + ":" + s.SenderID
}
