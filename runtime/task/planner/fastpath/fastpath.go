// Package fastpath answers single data-retrieval goals straight from the
// primary store, skipping LLM decomposition. A fast-path hit records one
// synthetic completed step so the task history still shows what ran.
package fastpath

import (
	"context"
	"errors"
	"time"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/intent"
	"github.com/tentackl/tentackl/runtime/task/planner"
	"github.com/tentackl/tentackl/runtime/task/store"
)

// defaultLimit caps listing queries.
const defaultLimit = 20

// Service implements planner.FastPath on the primary store.
type Service struct {
	store store.Store
}

// New constructs the service.
func New(s store.Store) (*Service, error) {
	if s == nil {
		return nil, errors.New("primary store is required")
	}
	return &Service{store: s}, nil
}

// Try satisfies listing queries from the store. Unknown query types return
// (nil, nil) so the pipeline falls through to full planning.
func (s *Service) Try(ctx context.Context, it *intent.Intent, goal, userID, orgID string) (*planner.FastPathResult, error) {
	if it == nil || !it.FastPath {
		return nil, nil
	}
	queryType, _ := it.DataQuery["type"].(string)
	switch queryType {
	case "list_workflows", "list_tasks":
		return s.listTasks(ctx, goal, userID, orgID, it.DataQuery)
	default:
		return nil, nil
	}
}

func (s *Service) listTasks(ctx context.Context, goal, userID, orgID string, query map[string]any) (*planner.FastPathResult, error) {
	f := store.Filter{UserID: userID, OrgID: orgID, Limit: defaultLimit}
	if status, ok := query["status"].(string); ok {
		f.Status = task.Status(status)
	}
	tasks, err := s.store.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, map[string]any{
			"id":         t.ID,
			"goal":       t.Goal,
			"status":     string(t.Status),
			"created_at": t.CreatedAt,
		})
	}
	outputs := map[string]any{"workflows": items, "count": len(items)}
	now := time.Now().UTC()
	step := task.Step{
		ID:          "step_1",
		Name:        "List workflows",
		Description: goal,
		AgentType:   "data_query",
		Status:      task.StepDone,
		Outputs:     outputs,
		StartedAt:   now,
		FinishedAt:  now,
	}
	return &planner.FastPathResult{Steps: []task.Step{step}, Outputs: outputs}, nil
}
