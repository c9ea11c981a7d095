package domain

import (
	"encoding/json"
	"math"
)

// NoTimestamp marks an event whose timestamp was not supplied.
const NoTimestamp int64 = math.MinInt64

// Event is one entry in an item's history.
type Event struct {
	Stage     Stage  `json:"stage"`
	Timestamp int64  `json:"timestamp"` // seconds since epoch
	Location  string `json:"location"`
	Actor     string `json:"actor"`
}

// HasTimestamp reports whether the timestamp was present on the event.
// Zero is a valid timestamp.
func (e Event) HasTimestamp() bool {
	return e.Timestamp != NoTimestamp
}

// UnmarshalJSON decodes an event, recording absent or null stage and
// timestamp fields with the StageUndefined and NoTimestamp sentinels.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Stage     *Stage  `json:"stage"`
		Timestamp *int64  `json:"timestamp"`
		Location  *string `json:"location"`
		Actor     *string `json:"actor"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = Event{Stage: StageUndefined, Timestamp: NoTimestamp}
	if raw.Stage != nil {
		e.Stage = *raw.Stage
	}
	if raw.Timestamp != nil {
		e.Timestamp = *raw.Timestamp
	}
	if raw.Location != nil {
		e.Location = *raw.Location
	}
	if raw.Actor != nil {
		e.Actor = *raw.Actor
	}
	return nil
}

// MarshalJSON omits sentinel stage and timestamp values.
func (e Event) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"location": e.Location,
		"actor":    e.Actor,
	}
	if e.Stage.Defined() {
		out["stage"] = int(e.Stage)
	}
	if e.HasTimestamp() {
		out["timestamp"] = e.Timestamp
	}
	return json.Marshal(out)
}
