package events

import (
	"encoding/json"
	"fmt"

	"github.com/randalmurphal/auto/internal/db"
)

// DecodeRecord rebuilds a bus event from its persisted event_log row, so a
// replay can feed the same renderers a live run would. The payload decodes
// into the concrete type the event was published with; unknown event types
// fail rather than guessing.
func DecodeRecord(rec *db.EventRecord) (Event, error) {
	ev := Event{
		Type:     EventType(rec.EventType),
		StoryKey: rec.StoryKey,
		Time:     rec.CreatedAt,
	}
	if ev.StoryKey == "" {
		ev.StoryKey = GlobalKey
	}

	data, err := payloadFor(ev.Type)
	if err != nil {
		return Event{}, err
	}
	if rec.Payload != "" {
		if err := json.Unmarshal([]byte(rec.Payload), data); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", rec.EventType, err)
		}
	}
	ev.Data = deref(data)
	return ev, nil
}

// payloadFor returns a pointer to the zero payload value for an event type.
func payloadFor(t EventType) (any, error) {
	switch t {
	case EventRunStart:
		return &RunStart{}, nil
	case EventRunComplete:
		return &RunComplete{}, nil
	case EventPhase:
		return &PhaseUpdate{}, nil
	case EventTokens:
		return &TokenUpdate{}, nil
	case EventStoryPhase:
		return &StoryPhaseUpdate{}, nil
	case EventStoryDone:
		return &StoryDone{}, nil
	case EventEscalation:
		return &EscalationData{}, nil
	case EventWarning:
		return &WarningData{}, nil
	case EventLog:
		return &LogData{}, nil
	case EventHeartbeat:
		return &HeartbeatData{}, nil
	case EventStall:
		return &StallData{}, nil
	case EventPause:
		return &PauseData{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

// deref unwraps the pointer so replayed events carry values, matching what
// the publishers emit live.
func deref(data any) any {
	switch v := data.(type) {
	case *RunStart:
		return *v
	case *RunComplete:
		return *v
	case *PhaseUpdate:
		return *v
	case *TokenUpdate:
		return *v
	case *StoryPhaseUpdate:
		return *v
	case *StoryDone:
		return *v
	case *EscalationData:
		return *v
	case *WarningData:
		return *v
	case *LogData:
		return *v
	case *HeartbeatData:
		return *v
	case *StallData:
		return *v
	case *PauseData:
		return *v
	default:
		return data
	}
}
