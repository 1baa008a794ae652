package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/codebuff/agent-runtime/pkg/models"
)

// Resource limits per sandbox. The interpreter has no filesystem,
// network, or environment access; the only I/O is yielded tool calls
// and the injected logger.
const (
	// MaxSourceBytes bounds generator source size.
	MaxSourceBytes = 1 << 20

	// maxCallStackSize bounds interpreter recursion.
	maxCallStackSize = 2048

	// stepTimeout interrupts a single generator step that spins.
	stepTimeout = 5 * time.Second

	// memoryBudget bounds heap growth while a generator step runs; a
	// step that allocates past it is interrupted like a timeout.
	memoryBudget = 20 << 20

	// memoryCheckInterval paces the budget watchdog.
	memoryCheckInterval = 25 * time.Millisecond
)

// ErrClosed is returned by Step after the sandbox was disposed.
var ErrClosed = errors.New("sandbox closed")

// Sandbox hosts one generator instance. It implements models.Stepper.
// Calls are serialized by the owning run; the mutex only guards
// against disposal racing a final step.
type Sandbox struct {
	mu     sync.Mutex
	vm     *goja.Runtime
	gen    *goja.Object
	next   goja.Callable
	closed bool
	logger *slog.Logger
}

func newSandbox(source string, args models.StepperArgs, sink LogSink, logger *slog.Logger) (*Sandbox, error) {
	if len(source) > MaxSourceBytes {
		return nil, fmt.Errorf("handleSteps source exceeds %d bytes", MaxSourceBytes)
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)

	sb := &Sandbox{vm: vm, logger: logger}

	logFn := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			text := formatLogArgs(call.Arguments)
			if sink != nil {
				sink(level, text)
			}
			return goja.Undefined()
		}
	}
	loggerObj := vm.NewObject()
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if err := loggerObj.Set(level, logFn(level)); err != nil {
			return nil, fmt.Errorf("install logger: %w", err)
		}
	}
	if err := loggerObj.Set("log", logFn("info")); err != nil {
		return nil, fmt.Errorf("install logger: %w", err)
	}

	fnValue, err := sb.run(func() (goja.Value, error) {
		return vm.RunString("(" + source + ")")
	})
	if err != nil {
		// Source may be a series of statements defining handleSteps
		// rather than a single function expression.
		if _, rerr := sb.run(func() (goja.Value, error) { return vm.RunString(source) }); rerr != nil {
			return nil, fmt.Errorf("evaluate handleSteps source: %w", rerr)
		}
		fnValue = vm.GlobalObject().Get("handleSteps")
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, errors.New("handleSteps source does not evaluate to a function")
	}

	initial, err := toJSValue(vm, map[string]any{
		"agentState": args.AgentState,
		"prompt":     args.Prompt,
		"params":     args.Params,
	})
	if err != nil {
		return nil, err
	}
	if err := initial.ToObject(vm).Set("logger", loggerObj); err != nil {
		return nil, fmt.Errorf("install logger: %w", err)
	}

	genValue, err := sb.run(func() (goja.Value, error) {
		return fn(goja.Undefined(), initial)
	})
	if err != nil {
		return nil, fmt.Errorf("instantiate generator: %w", err)
	}
	genObj := genValue.ToObject(vm)
	nextFn, ok := goja.AssertFunction(genObj.Get("next"))
	if !ok {
		return nil, errors.New("handleSteps did not return a generator")
	}
	sb.gen = genObj
	sb.next = nextFn
	return sb, nil
}

// Step advances the generator once with the previous tool result and
// the latest public agent state.
func (s *Sandbox) Step(input models.StepInput) (models.StepYield, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.StepYield{}, true, ErrClosed
	}

	arg, err := toJSValue(s.vm, input)
	if err != nil {
		return models.StepYield{}, false, err
	}

	result, err := s.run(func() (goja.Value, error) {
		return s.next(s.gen, arg)
	})
	if err != nil {
		return models.StepYield{}, false, err
	}

	obj := result.ToObject(s.vm)
	done := obj.Get("done").ToBoolean()
	if done {
		return models.StepYield{}, true, nil
	}

	yield, err := decodeYield(obj.Get("value"))
	if err != nil {
		return models.StepYield{}, false, err
	}
	return yield, false, nil
}

// Close disposes the sandbox. Idempotent.
func (s *Sandbox) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.vm.Interrupt(ErrClosed)
}

// run executes fn under the step timeout and memory budget, converting
// interpreter panics and interrupts into errors.
func (s *Sandbox) run(fn func() (goja.Value, error)) (value goja.Value, err error) {
	timer := time.AfterFunc(stepTimeout, func() {
		s.vm.Interrupt("handleSteps step timed out")
	})
	stop := make(chan struct{})
	go s.watchMemory(stop)
	defer func() {
		close(stop)
		timer.Stop()
		s.vm.ClearInterrupt()
		if r := recover(); r != nil {
			err = fmt.Errorf("sandbox panic: %v", r)
		}
	}()

	value, err = fn()
	if err != nil {
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return nil, fmt.Errorf("uncaught exception: %s", exc.Value().String())
		}
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("interrupted: %v", interrupted.Value())
		}
		return nil, err
	}
	return value, nil
}

// watchMemory interrupts the interpreter when heap growth since the
// step started exceeds the budget. The check is process-wide, which is
// coarse, but goja has no per-VM accounting.
func (s *Sandbox) watchMemory(stop <-chan struct{}) {
	baseline := heapInUse()
	ticker := time.NewTicker(memoryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if heapInUse()-baseline > memoryBudget {
				s.vm.Interrupt("handleSteps exceeded the memory budget")
				return
			}
		}
	}
}

func heapInUse() int64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return int64(stats.HeapAlloc)
}

// decodeYield converts a yielded JS value into a StepYield. Accepted
// shapes: the control strings "STEP" / "STEP_ALL", or an object
// {toolName, input, includeToolCall?}.
func decodeYield(value goja.Value) (models.StepYield, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return models.StepYield{}, errors.New("generator yielded no value")
	}

	if str, ok := value.Export().(string); ok {
		switch models.StepControl(str) {
		case models.ControlStep, models.ControlStepAll:
			return models.StepYield{Control: models.StepControl(str)}, nil
		}
		return models.StepYield{}, fmt.Errorf("unknown control signal %q", str)
	}

	raw, err := json.Marshal(value.Export())
	if err != nil {
		return models.StepYield{}, fmt.Errorf("decode yielded value: %w", err)
	}
	var decoded struct {
		ToolName        string          `json:"toolName"`
		Input           json.RawMessage `json:"input"`
		IncludeToolCall *bool           `json:"includeToolCall"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return models.StepYield{}, fmt.Errorf("decode yielded value: %w", err)
	}
	if decoded.ToolName == "" {
		return models.StepYield{}, errors.New("yielded tool call missing toolName")
	}
	input := decoded.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return models.StepYield{
		ToolCall: &models.ToolCall{
			ToolName: decoded.ToolName,
			Input:    input,
		},
		IncludeToolCall: decoded.IncludeToolCall,
	}, nil
}

// toJSValue converts a Go value into the interpreter through a JSON
// round-trip so only plain data crosses the boundary.
func toJSValue(vm *goja.Runtime, v any) (goja.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode sandbox input: %w", err)
	}
	var plain any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("decode sandbox input: %w", err)
	}
	if plain == nil {
		plain = map[string]any{}
	}
	return vm.ToValue(plain), nil
}

func formatLogArgs(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		exported := arg.Export()
		if s, ok := exported.(string); ok {
			parts = append(parts, s)
			continue
		}
		raw, err := json.Marshal(exported)
		if err != nil {
			parts = append(parts, fmt.Sprintf("%v", exported))
			continue
		}
		parts = append(parts, string(raw))
	}
	return strings.Join(parts, " ")
}
