package actions

import (
	"context"
	"encoding/json"
)

// Action is the unit of work a workflow step's action name resolves to.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(input map[string]any) error
}

// ActionSchema describes the input contract of an action.
type ActionSchema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time.
// Params are already substituted against the workflow context.
type ActionInput struct {
	Params map[string]any `json:"params"`
}

// ActionOutput is the result of an action execution. Data becomes the
// step result published into the workflow context.
type ActionOutput struct {
	Data any `json:"data,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Simulated   bool   `json:"simulated,omitempty"`
}
