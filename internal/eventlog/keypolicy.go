package eventlog

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// KeyPolicy describes which keys may appear in persisted JSON. Everything
// not exempted must be snake_case.
type KeyPolicy struct {
	// TagKeys are variant tag keys allowed anywhere (User, Agent, Text, ...).
	TagKeys map[string]struct{}

	// Opaque are normalized paths whose subtree is agent-defined and skipped
	// entirely.
	Opaque map[string]struct{}

	// MapKeys are paths whose direct children are arbitrary map keys; those
	// keys are not checked and contribute a "*" path segment.
	MapKeys map[string]struct{}

	// Meta are paths allowed a direct `_meta` child.
	Meta map[string]struct{}
}

var snakeKey = regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)*$`)

func set(keys ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}

var tagKeys = set(
	"User", "Agent", "Text", "Mention", "Image",
	"Thinking", "RedactedThinking", "ToolUse", "Resume",
)

// RecordKeyPolicy governs session record files.
var RecordKeyPolicy = KeyPolicy{
	TagKeys: tagKeys,
	Opaque: set(
		"agent_capabilities",
		"thread.initial_project_snapshot",
		"thread.model",
		"thread.profile",
		"thread.messages.Agent.content.ToolUse.input",
		"thread.messages.Agent.tool_results.*.output",
		"acpx.config_options",
		"acpx.audit_events.update",
		"acpx.audit_events._meta",
	),
	MapKeys: set(
		"thread.request_token_usage",
		"thread.messages.Agent.tool_results",
	),
	Meta: set("acpx.audit_events"),
}

// EventKeyPolicy governs event envelopes; agent-defined payloads sit under
// fixed opaque data paths.
var EventKeyPolicy = KeyPolicy{
	TagKeys: tagKeys,
	Opaque: set(
		"data.update",
		"data.operation",
		"data.raw_input",
		"data.output",
		"data.value",
		"data.acp",
	),
}

// CheckKeys serialises v the way it will be persisted and verifies every key
// against the policy. A violation means the value must not be written.
func CheckKeys(v any, policy KeyPolicy) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding for key check: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("decoding for key check: %w", err)
	}
	return walkKeys(decoded, "", policy)
}

func walkKeys(v any, path string, policy KeyPolicy) error {
	switch val := v.(type) {
	case map[string]any:
		_, wildcard := policy.MapKeys[path]
		for key, child := range val {
			seg := key
			switch {
			case wildcard:
				seg = "*"
			case key == "_meta":
				if _, ok := policy.Meta[path]; !ok {
					return fmt.Errorf("key %q not allowed at %s", key, pathOrRoot(path))
				}
			default:
				if _, tag := policy.TagKeys[key]; !tag && !snakeKey.MatchString(key) {
					return fmt.Errorf("key %q at %s is not snake_case", key, pathOrRoot(path))
				}
			}
			childPath := joinPath(path, seg)
			if _, opaque := policy.Opaque[childPath]; opaque {
				continue
			}
			if err := walkKeys(child, childPath, policy); err != nil {
				return err
			}
		}
	case []any:
		for _, elem := range val {
			if err := walkKeys(elem, path, policy); err != nil {
				return err
			}
		}
	}
	return nil
}

func joinPath(path, seg string) string {
	if path == "" {
		return seg
	}
	return path + "." + seg
}

func pathOrRoot(path string) string {
	if path == "" {
		return "top level"
	}
	return path
}
