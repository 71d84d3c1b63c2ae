package tools

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher runs tool calls against a registry.
type Dispatcher struct {
	registry *Registry
	logger   *zap.Logger
}

func NewDispatcher(registry *Registry, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

func UnsupportedToolMessage(name string) string {
	return fmt.Sprintf("Error: Unsupported tool '%s'.", name)
}

func FailedToolMessage(name string) string {
	return fmt.Sprintf("Error: Tool '%s' failed to execute.", name)
}

// Dispatch runs one invocation and calls respond exactly once, whatever the
// handler does. It blocks until the handler returns.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, params map[string]any, correlationID string, respond RespondFunc) {
	log := d.logger.With(zap.String("tool", name), zap.String("tool_call_id", correlationID))
	once := newOnceResponder(respond, log)

	h, ok := d.registry.Lookup(name)
	if !ok {
		log.Warn("unsupported tool call")
		once.respond(correlationID, UnsupportedToolMessage(name), true)
		return
	}
	if params == nil {
		params = map[string]any{}
	}

	err := d.invoke(ctx, h, Invocation{
		Name:          name,
		Parameters:    params,
		CorrelationID: correlationID,
		Respond:       once.respond,
	})
	if err != nil {
		log.Error("tool execution failed", zap.Error(err))
		once.respond(correlationID, FailedToolMessage(name), true)
		return
	}
	if !once.done() {
		log.Error("tool returned without responding")
		once.respond(correlationID, FailedToolMessage(name), true)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, inv Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Handle(ctx, inv)
}

type onceResponder struct {
	mu     sync.Mutex
	sent   bool
	inner  RespondFunc
	logger *zap.Logger
}

func newOnceResponder(respond RespondFunc, logger *zap.Logger) *onceResponder {
	return &onceResponder{inner: respond, logger: logger}
}

func (o *onceResponder) respond(correlationID, result string, isError bool) {
	o.mu.Lock()
	if o.sent {
		o.mu.Unlock()
		o.logger.Warn("duplicate tool response dropped")
		return
	}
	o.sent = true
	o.mu.Unlock()
	if o.inner != nil {
		o.inner(correlationID, result, isError)
	}
}

func (o *onceResponder) done() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sent
}
