package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/botflow/internal/logging"
	"github.com/rendis/botflow/pkg/schema"
)

// CoreActions returns the host-independent actions: noop, echo, log,
// sleep and fail.
func CoreActions(logger *slog.Logger) []Action {
	if logger == nil {
		logger = slog.Default()
	}
	return []Action{
		&noopAction{},
		&echoAction{},
		&logAction{logger: logger},
		&sleepAction{},
		&failAction{},
	}
}

// --- noop ---

type noopAction struct{}

func (a *noopAction) Name() string { return "noop" }

func (a *noopAction) Schema() ActionSchema {
	return ActionSchema{Description: "Do nothing and succeed"}
}

func (a *noopAction) Validate(map[string]any) error { return nil }

func (a *noopAction) Execute(context.Context, ActionInput) (*ActionOutput, error) {
	return &ActionOutput{Data: "ok"}, nil
}

// --- echo ---

type echoAction struct{}

func (a *echoAction) Name() string { return "echo" }

func (a *echoAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Return 'message' if given, otherwise all parameters",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{}}}`),
	}
}

func (a *echoAction) Validate(map[string]any) error { return nil }

func (a *echoAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	if msg, ok := input.Params["message"]; ok {
		return &ActionOutput{Data: msg}, nil
	}
	return &ActionOutput{Data: schema.CopyMap(input.Params)}, nil
}

// --- log ---

type logAction struct {
	logger *slog.Logger
}

func (a *logAction) Name() string { return "log" }

func (a *logAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Write 'message' to the host log at 'level' (debug, info, warn, error)",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"},"level":{"type":"string"}},"required":["message"]}`),
	}
}

func (a *logAction) Validate(input map[string]any) error {
	if _, ok := input["message"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "log requires 'message' parameter")
	}
	return nil
}

func (a *logAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	msg := stringParam(input.Params, "message", "")
	level := logging.ParseLevel(stringParam(input.Params, "level", "info"))

	attrs := make([]slog.Attr, 0, len(input.Params))
	for k, v := range input.Params {
		if k == "message" || k == "level" {
			continue
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	a.logger.LogAttrs(ctx, level, msg, attrs...)
	return &ActionOutput{Data: map[string]any{"logged": msg, "level": level.String()}}, nil
}

// --- sleep ---

type sleepAction struct{}

func (a *sleepAction) Name() string { return "sleep" }

func (a *sleepAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Wait for 'duration' (Go duration string) or 'seconds'",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"duration":{"type":"string"},"seconds":{"type":"number"}}}`),
	}
}

func (a *sleepAction) Validate(input map[string]any) error {
	_, err := sleepDuration(input)
	return err
}

func sleepDuration(input map[string]any) (time.Duration, error) {
	if s := stringParam(input, "duration", ""); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "sleep: invalid duration %q", s)
		}
		return d, nil
	}
	secs := floatParam(input, "seconds", 0)
	if secs < 0 {
		return 0, schema.NewError(schema.ErrCodeValidation, "sleep: seconds must be >= 0")
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (a *sleepAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	d, err := sleepDuration(input.Params)
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return &ActionOutput{Data: map[string]any{"slept_ms": d.Milliseconds()}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- fail ---

type failAction struct{}

func (a *failAction) Name() string { return "fail" }

func (a *failAction) Schema() ActionSchema {
	return ActionSchema{Description: "Always fail with 'message'"}
}

func (a *failAction) Validate(map[string]any) error { return nil }

func (a *failAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	msg := stringParam(input.Params, "message", "step failed on purpose")
	return nil, schema.NewError(schema.ErrCodeExecution, msg)
}
