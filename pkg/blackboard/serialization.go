package blackboard

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers
//
// A checkpoint is stored as a small hash: the full blackboard JSON-encoded
// into "state", plus a few scalar fields kept alongside for inspection
// without decoding.

// Encode serializes a blackboard to JSON.
func Encode(b *Blackboard) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal blackboard: %w", err)
	}
	return data, nil
}

// Decode parses a JSON blackboard and fills empty collections.
func Decode(data []byte) (*Blackboard, error) {
	var b Blackboard
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal blackboard: %w", err)
	}
	b.normalize()
	return &b, nil
}

// Clone returns a deep copy. Components mutate clones so a failed step
// never leaves partial changes on the engine's copy.
func (b *Blackboard) Clone() *Blackboard {
	data, err := json.Marshal(b)
	if err != nil {
		// Every field is JSON-safe; a failure here is a programming error.
		panic(fmt.Sprintf("blackboard: clone failed: %v", err))
	}
	out, err := Decode(data)
	if err != nil {
		panic(fmt.Sprintf("blackboard: clone failed: %v", err))
	}
	return out
}

// BlackboardToHash converts a blackboard to the checkpoint hash format.
func BlackboardToHash(b *Blackboard) (map[string]interface{}, error) {
	state, err := Encode(b)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"session_id":    b.SessionID,
		"user_id":       b.UserID,
		"version":       b.Version,
		"is_completed":  strconv.FormatBool(b.IsCompleted),
		"updated_at_ms": b.UpdatedAtMs,
		"state":         string(state),
	}, nil
}

// HashToBlackboard converts a checkpoint hash back to a blackboard.
func HashToBlackboard(hash map[string]string) (*Blackboard, error) {
	state, ok := hash["state"]
	if !ok || state == "" {
		return nil, fmt.Errorf("checkpoint hash has no state field")
	}

	b, err := Decode([]byte(state))
	if err != nil {
		return nil, err
	}

	if v := hash["version"]; v != "" {
		version, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid version field: %w", err)
		}
		b.Version = version
	}
	return b, nil
}
