package events

import (
	"encoding/json"
	"fmt"
)

// eventFactories maps type strings to constructors for decoding. Events whose
// type is absent decode to *Unknown and round-trip unchanged.
var eventFactories = map[string]func() Event{
	TypeTextChunkStart:  func() Event { return &TextChunkStart{} },
	TypeTextChunk:       func() Event { return &TextChunk{} },
	TypeTextChunkEnd:    func() Event { return &TextChunkEnd{} },
	TypeThinkChunkStart: func() Event { return &ThinkChunkStart{} },
	TypeThinkChunk:      func() Event { return &ThinkChunk{} },
	TypeThinkChunkEnd:   func() Event { return &ThinkChunkEnd{} },
	TypeToolStart:       func() Event { return &ToolStart{} },
	TypeToolEnd:         func() Event { return &ToolEnd{} },
	TypeToolError:       func() Event { return &ToolError{} },
	TypeDone:            func() Event { return &Done{} },

	TypePermissionRequired: func() Event { return &PermissionRequired{} },
	TypePermissionDecided:  func() Event { return &PermissionDecided{} },

	TypeStateChanged:       func() Event { return &StateChanged{} },
	TypeBreakpointChanged:  func() Event { return &BreakpointChanged{} },
	TypeTokenUsage:         func() Event { return &TokenUsage{} },
	TypeStepComplete:       func() Event { return &StepComplete{} },
	TypeError:              func() Event { return &Error{} },
	TypeStorageFailure:     func() Event { return &StorageFailure{} },
	TypeContextCompression: func() Event { return &ContextCompression{} },
	TypeContextRepair:      func() Event { return &ContextRepair{} },
	TypeSchedulerTriggered: func() Event { return &SchedulerTriggered{} },
	TypeSkillActivated:     func() Event { return &SkillActivated{} },
	TypeAgentResumed:       func() Event { return &AgentResumed{} },
	TypeAgentRecovered:     func() Event { return &AgentRecovered{} },
	TypeToolExecuted:       func() Event { return &ToolExecuted{} },

	TypeSubagentDelta:              func() Event { return &SubagentDelta{} },
	TypeSubagentThinking:           func() Event { return &SubagentThinking{} },
	TypeSubagentToolStart:          func() Event { return &SubagentToolStart{} },
	TypeSubagentToolEnd:            func() Event { return &SubagentToolEnd{} },
	TypeSubagentPermissionRequired: func() Event { return &SubagentPermissionRequired{} },
}

// DecodeEvent decodes a single event from its JSON form. Events with an
// unrecognized type string decode to *Unknown with the original JSON
// preserved so that downgraded readers do not lose data.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Channel  Channel  `json:"channel"`
		Type     string   `json:"type"`
		Bookmark Bookmark `json:"bookmark"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("decode event: missing type")
	}
	factory, ok := eventFactories[head.Type]
	if !ok {
		return &Unknown{
			Base: Base{Ch: head.Channel, EventType: head.Type, BM: head.Bookmark},
			Raw:  append([]byte(nil), data...),
		}, nil
	}
	ev := factory()
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
	}
	return ev, nil
}

// MarshalJSON writes the preserved original JSON so unknown events survive a
// decode/encode round trip byte for byte.
func (u *Unknown) MarshalJSON() ([]byte, error) {
	if len(u.Raw) > 0 {
		return u.Raw, nil
	}
	type alias Unknown
	return json.Marshal((*alias)(u))
}

// UnmarshalJSON decodes the base fields and preserves the full original JSON.
func (u *Unknown) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &u.Base); err != nil {
		return err
	}
	u.Raw = append([]byte(nil), data...)
	return nil
}

// MarshalJSON encodes the envelope with the event inlined.
func (e Envelope) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Cursor   int64           `json:"cursor"`
		Bookmark Bookmark        `json:"bookmark"`
		Event    json.RawMessage `json:"event"`
	}{Cursor: e.Cursor, Bookmark: e.Bookmark, Event: raw})
}

// UnmarshalJSON decodes the envelope, routing the inner event through
// DecodeEvent so unknown types degrade instead of failing.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		Cursor   int64           `json:"cursor"`
		Bookmark Bookmark        `json:"bookmark"`
		Event    json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	ev, err := DecodeEvent(raw.Event)
	if err != nil {
		return err
	}
	e.Cursor = raw.Cursor
	e.Bookmark = raw.Bookmark
	e.Event = ev
	return nil
}
