// Package envelope implements the minimal tagged task envelope shared by the
// broker and worker.
//
// Task blobs are opaque to the broker: the only fields it ever reads are the
// action tag and, on create_instance responses, the confirmed instance id.
// Argument payloads stay raw bytes end to end.
package envelope

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire shape of a task blob. Args and Kwargs are carried
// verbatim; the mesh never interprets them.
type Envelope struct {
	Action     string          `json:"action,omitempty"`
	Func       string          `json:"func,omitempty"`
	Klass      string          `json:"klass,omitempty"`
	Method     string          `json:"method,omitempty"`
	InstanceID string          `json:"instance_id,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Kwargs     json.RawMessage `json:"kwargs,omitempty"`
}

// Result is the wire shape of a worker response blob. Exactly one of Value,
// Error, or InstanceID is meaningful depending on the action.
type Result struct {
	Value      json.RawMessage `json:"value,omitempty"`
	InstanceID string          `json:"instance_id,omitempty"`
	Error      *TaskError      `json:"error,omitempty"`
}

// TaskError carries a task-level failure inside a 200 response body. The
// broker charges for it; only the client unwraps it.
type TaskError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Decode parses a task blob.
func Decode(blob []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return Envelope{}, fmt.Errorf("op=envelope.Decode: %w", err)
	}
	return env, nil
}

// Encode serializes a task envelope.
func Encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("op=envelope.Encode: %w", err)
	}
	return b, nil
}

// EncodeResult serializes a response blob.
func EncodeResult(res Result) ([]byte, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("op=envelope.EncodeResult: %w", err)
	}
	return b, nil
}

// DecodeResult parses a response blob.
func DecodeResult(blob []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(blob, &res); err != nil {
		return Result{}, fmt.Errorf("op=envelope.DecodeResult: %w", err)
	}
	return res, nil
}

// PeekAction extracts the action tag from a blob without validating the rest.
// Missing or unparseable action defaults to "execute" so plain function blobs
// keep working.
func PeekAction(blob []byte) string {
	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(blob, &probe); err != nil || probe.Action == "" {
		return "execute"
	}
	return probe.Action
}

// PeekInstanceID extracts a confirmed instance id from a create_instance
// response blob. Returns empty string when absent; the broker treats that as
// "no affinity to record".
func PeekInstanceID(blob []byte) string {
	var probe struct {
		InstanceID string `json:"instance_id"`
	}
	if err := json.Unmarshal(blob, &probe); err != nil {
		return ""
	}
	return probe.InstanceID
}
