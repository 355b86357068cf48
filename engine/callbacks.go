package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/primemesh/core"
)

// CallbackType defines the lifecycle points where callbacks are executed.
//
// Available callback types:
//   - BeforeStep: before a step is validated; an error vetoes the step
//   - AfterStep: after a step has been committed
//   - OnSummon/OnDismiss: after the session changes
//   - OnError: when a step or summon fails
//
// Only BeforeStep callbacks influence execution. Errors returned by the other
// types are ignored because the state change has already happened.
type CallbackType string

const (
	// CallbackBeforeStep is triggered before a step runs.
	CallbackBeforeStep CallbackType = "before_step"

	// CallbackAfterStep is triggered after a successful step.
	CallbackAfterStep CallbackType = "after_step"

	// CallbackOnSummon is triggered after a successful layer summon.
	CallbackOnSummon CallbackType = "on_summon"

	// CallbackOnDismiss is triggered after the session is dismissed.
	CallbackOnDismiss CallbackType = "on_dismiss"

	// CallbackOnError is triggered when a step or summon fails.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext carries the information a callback may inspect. Fields not
// relevant to the callback type are left zero.
type CallbackContext struct {
	AgentID      string
	CallbackType CallbackType
	Owner        string
	Observation  *core.Observation
	Result       *core.StepResult
	Layer        string
	Err          error
	Metadata     map[string]any
}

// Callback defines the interface for engine lifecycle hooks. Callbacks run
// synchronously outside the engine lock and must be fast.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	cb := NewFunctionCallback(CallbackAfterStep, func(ctx context.Context, c *CallbackContext) error {
//	    log.Printf("agent %s chose %s", c.AgentID, c.Result.ChosenAction)
//	    return nil
//	})
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager is a registry of callbacks shared by any number of engines.
// Callbacks execute in registration order; the first error stops the chain.
// It is safe for concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback for its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks runs all callbacks registered for callbackType. A nil
// manager is valid and runs nothing.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	if cm == nil {
		return nil
	}

	cm.mu.RLock()
	callbacks := cm.callbacks[callbackType]
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}

	return nil
}

// StepLogger is the subset of a structured logger used by LoggingCallback.
type StepLogger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

// LoggingCallback logs engine lifecycle events.
type LoggingCallback struct {
	callbackType CallbackType
	logger       StepLogger
}

// NewLoggingCallback creates a logging callback for callbackType.
func NewLoggingCallback(callbackType CallbackType, logger StepLogger) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the event. It never fails.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.logger == nil {
		return nil
	}

	args := []any{"agent_id", callbackCtx.AgentID, "callback", string(callbackCtx.CallbackType)}
	if callbackCtx.Owner != "" {
		args = append(args, "owner", callbackCtx.Owner)
	}
	if callbackCtx.Layer != "" {
		args = append(args, "layer", callbackCtx.Layer)
	}
	if r := callbackCtx.Result; r != nil {
		args = append(args, "epoch", r.Epoch, "action", r.ChosenAction, "entropy", r.Entropy)
	}

	if callbackCtx.Err != nil {
		c.logger.Error("Engine callback", append(args, "error", callbackCtx.Err.Error())...)
		return nil
	}
	c.logger.Debug("Engine callback", args...)

	return nil
}

// ObservationGuardCallback vetoes steps whose observation fails a predicate.
type ObservationGuardCallback struct {
	guard func(obs core.Observation) error
}

// NewObservationGuardCallback creates a BeforeStep guard.
func NewObservationGuardCallback(guard func(obs core.Observation) error) *ObservationGuardCallback {
	return &ObservationGuardCallback{guard: guard}
}

// Type returns CallbackBeforeStep.
func (c *ObservationGuardCallback) Type() CallbackType {
	return CallbackBeforeStep
}

// Execute applies the guard to the pending observation.
func (c *ObservationGuardCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.guard != nil && callbackCtx.Observation != nil {
		return c.guard(*callbackCtx.Observation)
	}
	return nil
}
