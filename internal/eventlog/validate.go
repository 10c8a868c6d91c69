package eventlog

import (
	"fmt"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindBool
	kindAny
	kindArray
)

type fieldSpec struct {
	name string
	kind fieldKind
}

// variantFields lists the required data fields per event type. Extra fields
// are allowed; they still pass through the persisted-key policy.
var variantFields = map[string][]fieldSpec{
	TypeTurnStarted:     {{"message", kindString}},
	TypeOutputDelta:     {{"kind", kindString}, {"text", kindString}},
	TypeToolCall:        {{"update", kindAny}},
	TypePlan:            {{"entries", kindArray}},
	TypeUpdate:          {{"update", kindAny}},
	TypeClientOperation: {{"operation", kindAny}},
	TypeTurnDone:        {{"stop_reason", kindString}},
	TypeError:           {{"code", kindString}, {"message", kindString}},
	TypeSessionEnsured:  {{"created", kindBool}},
	TypeCancelRequested: nil,
	TypeCancelResult:    {{"cancelled", kindBool}},
	TypeModeSet:         {{"mode_id", kindString}},
	TypeConfigSet:       {{"config_id", kindString}, {"value", kindAny}},
	TypeStatusSnapshot:  nil,
	TypeSessionClosed:   nil,
	TypePromptQueued:    {{"message", kindString}},
}

// Output-delta kinds.
const (
	DeltaKindMessage = "message"
	DeltaKindThought = "thought"
)

// ValidateEvent checks the envelope and the variant's data shape. Malformed
// events must never be persisted; the writer fails hard on any error here.
func ValidateEvent(e Event) error {
	switch {
	case e.Schema != Schema:
		return fmt.Errorf("event %s: unexpected schema %q", e.EventID, e.Schema)
	case e.EventID == "":
		return fmt.Errorf("event missing event_id")
	case e.SessionID == "":
		return fmt.Errorf("event %s: missing session_id", e.EventID)
	case e.Seq < 1:
		return fmt.Errorf("event %s: seq %d out of range", e.EventID, e.Seq)
	case e.TS.IsZero():
		return fmt.Errorf("event %s: missing ts", e.EventID)
	}

	fields, known := variantFields[e.Type]
	if !known {
		return fmt.Errorf("event %s: unknown type %q", e.EventID, e.Type)
	}
	for _, f := range fields {
		value, ok := e.Data[f.name]
		if !ok {
			return fmt.Errorf("event %s: %s data missing %q", e.EventID, e.Type, f.name)
		}
		switch f.kind {
		case kindString:
			if _, ok := value.(string); !ok {
				return fmt.Errorf("event %s: %s data field %q must be a string", e.EventID, e.Type, f.name)
			}
		case kindBool:
			if _, ok := value.(bool); !ok {
				return fmt.Errorf("event %s: %s data field %q must be a bool", e.EventID, e.Type, f.name)
			}
		case kindArray:
			if _, ok := value.([]any); !ok {
				if !isSlice(value) {
					return fmt.Errorf("event %s: %s data field %q must be an array", e.EventID, e.Type, f.name)
				}
			}
		case kindAny:
			if value == nil {
				return fmt.Errorf("event %s: %s data field %q must not be null", e.EventID, e.Type, f.name)
			}
		}
	}

	if e.Type == TypeOutputDelta {
		if kind := e.Data["kind"]; kind != DeltaKindMessage && kind != DeltaKindThought {
			return fmt.Errorf("event %s: output_delta kind %v not recognised", e.EventID, kind)
		}
	}
	return nil
}

// isSlice tolerates typed slices that have not yet round-tripped through
// JSON (e.g. []map[string]any built by the owner).
func isSlice(v any) bool {
	switch v.(type) {
	case []any, []map[string]any, []string:
		return true
	default:
		return false
	}
}

// KnownType reports whether readers should attempt to interpret the type.
// Unknown types are skipped on read for forward compatibility.
func KnownType(t string) bool {
	_, ok := variantFields[t]
	return ok
}
