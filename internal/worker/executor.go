package worker

import (
	"encoding/json"
	"fmt"

	"github.com/zakuro-ai/mesh/internal/adapter/observability"
	"github.com/zakuro-ai/mesh/internal/domain"
	"github.com/zakuro-ai/mesh/pkg/envelope"
)

// Executor turns a decoded task envelope into a response blob. Task-level
// failures come back as an error-carrying Result, never as a Go error; a Go
// error here means the blob itself was unusable.
type Executor struct {
	Registry  *FuncRegistry
	Instances *InstanceStore
}

// NewExecutor wires the executor.
func NewExecutor(reg *FuncRegistry, store *InstanceStore) *Executor {
	return &Executor{Registry: reg, Instances: store}
}

// Run executes one task blob and returns the encoded response blob.
func (e *Executor) Run(blob []byte) ([]byte, error) {
	env, err := envelope.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("op=executor.Run: %w: %v", domain.ErrInvalidArgument, err)
	}
	action := env.Action
	if action == "" {
		action = domain.ActionExecute
	}

	var res envelope.Result
	switch action {
	case domain.ActionExecute:
		res = e.execute(env)
	case domain.ActionCreateInstance:
		res = e.createInstance(env)
	case domain.ActionCallMethod:
		res = e.callMethod(env)
	default:
		return nil, fmt.Errorf("op=executor.Run action=%q: %w", action, domain.ErrInvalidArgument)
	}

	outcome := "ok"
	if res.Error != nil {
		outcome = "task_error"
	}
	observability.WorkerTasksTotal.WithLabelValues(action, outcome).Inc()
	return envelope.EncodeResult(res)
}

func (e *Executor) execute(env envelope.Envelope) envelope.Result {
	fn, ok := e.Registry.Func(env.Func)
	if !ok {
		return taskError("UnknownFunction", fmt.Sprintf("no function registered as %q", env.Func))
	}
	args, kwargs, err := decodeArgs(env)
	if err != nil {
		return taskError("BadArguments", err.Error())
	}
	value, err := fn(args, kwargs)
	if err != nil {
		return taskError("TaskFailed", err.Error())
	}
	return resultValue(value)
}

func (e *Executor) createInstance(env envelope.Envelope) envelope.Result {
	ctor, ok := e.Registry.Class(env.Klass)
	if !ok {
		return taskError("UnknownClass", fmt.Sprintf("no class registered as %q", env.Klass))
	}
	args, kwargs, err := decodeArgs(env)
	if err != nil {
		return taskError("BadArguments", err.Error())
	}
	inst, err := ctor(args, kwargs)
	if err != nil {
		return taskError("ConstructorFailed", err.Error())
	}
	id, err := e.Instances.Put(env.InstanceID, env.Klass, inst)
	if err != nil {
		return taskError("InstanceConflict", err.Error())
	}
	return envelope.Result{InstanceID: id}
}

func (e *Executor) callMethod(env envelope.Envelope) envelope.Result {
	if env.InstanceID == "" {
		return taskError("BadArguments", "call_method requires instance_id")
	}
	inst, err := e.Instances.Get(env.InstanceID)
	if err != nil {
		return taskError("InstanceNotFound", fmt.Sprintf("instance %q not found", env.InstanceID))
	}
	args, kwargs, derr := decodeArgs(env)
	if derr != nil {
		return taskError("BadArguments", derr.Error())
	}
	value, err := inst.Call(env.Method, args, kwargs)
	if err != nil {
		return taskError("TaskFailed", err.Error())
	}
	return resultValue(value)
}

func decodeArgs(env envelope.Envelope) ([]json.RawMessage, map[string]json.RawMessage, error) {
	var args []json.RawMessage
	if len(env.Args) > 0 {
		if err := json.Unmarshal(env.Args, &args); err != nil {
			return nil, nil, fmt.Errorf("args must be a JSON array: %w", err)
		}
	}
	kwargs := map[string]json.RawMessage{}
	if len(env.Kwargs) > 0 {
		if err := json.Unmarshal(env.Kwargs, &kwargs); err != nil {
			return nil, nil, fmt.Errorf("kwargs must be a JSON object: %w", err)
		}
	}
	return args, kwargs, nil
}

func resultValue(v any) envelope.Result {
	b, err := json.Marshal(v)
	if err != nil {
		return taskError("ResultEncoding", err.Error())
	}
	return envelope.Result{Value: b}
}

func taskError(typ, msg string) envelope.Result {
	return envelope.Result{Error: &envelope.TaskError{Type: typ, Message: msg}}
}
