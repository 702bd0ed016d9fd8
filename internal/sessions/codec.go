package sessions

import (
	"encoding/json"
	"fmt"

	"github.com/lanehub/conductor/pkg/models"
)

// sessionRow is the on-disk shape shared by SQLiteStore and PostgresStore:
// the full session is an opaque JSON blob, with channel_id/sender_id/
// last_active/turn_count/overloaded kept as plain columns (last_active is
// the only one with an index) so List and the control plane's GET /sessions
// can scan without deserializing every blob (spec §4.1: "serialized session envelope as an opaque blob plus
// indexed summary columns").
type sessionRow struct {
	ChannelID  string
	SenderID   string
	LastActive int64 // unix nanos, for ORDER BY without a JSON path expression
	TurnCount  int
	Overloaded bool
	Envelope   []byte
}

func encodeSession(s *models.Session) (sessionRow, error) {
	blob, err := json.Marshal(s)
	if err != nil {
		return sessionRow{}, fmt.Errorf("encode session envelope: %w", err)
	}
	return sessionRow{
		ChannelID:  string(s.Scope.ChannelID),
		SenderID:   s.Scope.SenderID,
		LastActive: s.LastActive.UnixNano(),
		TurnCount:  len(s.History),
		Overloaded: s.OverloadCount > 0,
		Envelope:   blob,
	}, nil
}

func decodeSession(blob []byte) (*models.Session, error) {
	var s models.Session
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("decode session envelope: %w", err)
	}
	return &s, nil
}
