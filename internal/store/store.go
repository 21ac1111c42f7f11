package store

import (
	"context"
	"time"

	"github.com/rendis/botflow/pkg/schema"
)

// RunStore persists run history. It satisfies engine.RunRecorder and
// engine.EventAppender. All implementations must be safe for concurrent use.
type RunStore interface {
	// Runs
	SaveRun(ctx context.Context, result *schema.ExecutionResult, owner string) error
	GetRun(ctx context.Context, id int64) (*Run, error)
	LatestRun(ctx context.Context, workflowID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	// Events (append-only)
	AppendEvent(ctx context.Context, event *schema.Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*schema.Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*schema.Event, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
