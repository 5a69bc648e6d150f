// Package snapshot defines the serializable image of a config store
// used by the snapshot/restore protocol: a server-side client can
// capture its current state and ship it to another process, which
// hydrates a client handle from it without an initial network round
// trip.
package snapshot

import (
	"encoding/json"
	"time"

	"github.com/vitaliisemenov/configstream/internal/apierr"
	"github.com/vitaliisemenov/configstream/internal/configtype"
)

// Snapshot is a point-in-time image of a store plus the evaluation
// context that was in effect when it was captured.
type Snapshot struct {
	Records   []configtype.Record `json:"records"`
	Context   configtype.Context  `json:"context,omitempty"`
	CapturedAt time.Time          `json:"capturedAt"`
}

// New builds a Snapshot from the given records and context, stamping
// the capture time. capturedAt is passed in rather than computed here
// so callers control the clock source (tests can supply a fixed time).
func New(records []configtype.Record, ctx configtype.Context, capturedAt time.Time) Snapshot {
	cp := make([]configtype.Record, len(records))
	copy(cp, records)
	return Snapshot{Records: cp, Context: ctx, CapturedAt: capturedAt}
}

// Marshal encodes the snapshot as JSON.
func (s Snapshot) Marshal() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, apierr.Wrap(apierr.Unknown, "failed to encode snapshot", err)
	}
	return b, nil
}

// Parse decodes a previously marshaled snapshot.
func Parse(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, apierr.Wrap(apierr.Unknown, "failed to decode snapshot", err)
	}
	return s, nil
}
