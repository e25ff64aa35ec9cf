// Package inmem provides an in-memory implementation of tree.Port for
// testing and single-instance deployments. Trees are held in a map keyed by
// task id with no persistence across restarts; production deployments
// should layer the port over a durable graph store.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/tree"
)

// Store implements tree.Port in memory. All operations are thread-safe via
// sync.RWMutex. Nodes are defensively copied on read so callers never
// mutate stored state.
type Store struct {
	mu    sync.RWMutex
	trees map[string]*taskTree
}

type taskTree struct {
	id    string
	order []string
	nodes map[string]*tree.Node
}

// New constructs an empty Store.
func New() *Store {
	return &Store{trees: make(map[string]*taskTree)}
}

// CreateTree builds the DAG for the task's steps. Any existing tree for the
// task is replaced, which is the behaviour replans rely on.
func (s *Store) CreateTree(_ context.Context, t *task.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt := &taskTree{
		id:    uuid.NewString(),
		nodes: make(map[string]*tree.Node, len(t.Steps)),
	}
	for _, st := range t.Steps {
		deps := append([]string(nil), st.DependsOn...)
		if len(deps) == 0 {
			deps = []string{tree.RootNodeID}
		}
		tt.nodes[st.ID] = &tree.Node{
			StepID:    st.ID,
			Status:    tree.NodePending,
			Step:      *st.Clone(),
			DependsOn: deps,
		}
		tt.order = append(tt.order, st.ID)
	}
	for id, n := range tt.nodes {
		for _, dep := range n.DependsOn {
			if dep == tree.RootNodeID {
				continue
			}
			if _, ok := tt.nodes[dep]; !ok {
				return "", fmt.Errorf("step %s depends on unknown step %s", id, dep)
			}
		}
	}
	s.trees[t.ID] = tt
	return tt.id, nil
}

// DeleteTree removes the task's tree, if any.
func (s *Store) DeleteTree(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trees, taskID)
	return nil
}

// StartStep marks the node running.
func (s *Store) StartStep(_ context.Context, taskID, stepID string) error {
	return s.setStatus(taskID, stepID, tree.NodeRunning)
}

// PauseStep marks the node paused.
func (s *Store) PauseStep(_ context.Context, taskID, stepID string) error {
	return s.setStatus(taskID, stepID, tree.NodePaused)
}

// CompleteStep marks the node completed and caches outputs.
func (s *Store) CompleteStep(_ context.Context, taskID, stepID string, outputs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(taskID, stepID)
	if err != nil {
		return err
	}
	n.Status = tree.NodeCompleted
	n.Outputs = outputs
	n.Step.Outputs = outputs
	n.Step.Status = task.StepDone
	n.Error = ""
	return nil
}

// FailStep marks the node failed with the given message.
func (s *Store) FailStep(_ context.Context, taskID, stepID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(taskID, stepID)
	if err != nil {
		return err
	}
	n.Status = tree.NodeFailed
	n.Error = errMsg
	n.Step.Status = task.StepFailed
	n.Step.Error = errMsg
	return nil
}

// SkipStep marks the node skipped.
func (s *Store) SkipStep(_ context.Context, taskID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(taskID, stepID)
	if err != nil {
		return err
	}
	n.Status = tree.NodeSkipped
	n.Step.Status = task.StepSkipped
	return nil
}

// ResetStep returns the node to pending with the updated step record so the
// step can be redispatched after a retry, fallback, or modify decision.
func (s *Store) ResetStep(_ context.Context, taskID string, step task.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(taskID, step.ID)
	if err != nil {
		return err
	}
	n.Status = tree.NodePending
	n.Outputs = nil
	n.Error = ""
	step.Status = task.StepPending
	step.Outputs = nil
	n.Step = *step.Clone()
	return nil
}

// GetStep reconstructs the step from the tree.
func (s *Store) GetStep(_ context.Context, taskID, stepID string) (task.Step, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tt, ok := s.trees[taskID]
	if !ok {
		return task.Step{}, false, nil
	}
	n, ok := tt.nodes[stepID]
	if !ok {
		return task.Step{}, false, nil
	}
	return *n.Step.Clone(), true, nil
}

// ReadyNodes lists pending nodes whose dependencies are all in terminal
// success states, in plan order.
func (s *Store) ReadyNodes(_ context.Context, taskID string) ([]tree.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tt, ok := s.trees[taskID]
	if !ok {
		return nil, tree.ErrTreeNotFound
	}
	var ready []tree.Node
	for _, id := range tt.order {
		n := tt.nodes[id]
		if n.Status != tree.NodePending {
			continue
		}
		if s.depsSatisfied(tt, n) {
			ready = append(ready, cloneNode(n))
		}
	}
	return ready, nil
}

// Nodes lists all step nodes in plan order.
func (s *Store) Nodes(_ context.Context, taskID string) ([]tree.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tt, ok := s.trees[taskID]
	if !ok {
		return nil, tree.ErrTreeNotFound
	}
	out := make([]tree.Node, 0, len(tt.order))
	for _, id := range tt.order {
		out = append(out, cloneNode(tt.nodes[id]))
	}
	return out, nil
}

// IsTaskComplete reports whether every node is completed or skipped.
func (s *Store) IsTaskComplete(_ context.Context, taskID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tt, ok := s.trees[taskID]
	if !ok {
		return false, tree.ErrTreeNotFound
	}
	for _, n := range tt.nodes {
		if !n.Status.TerminalSuccess() {
			return false, nil
		}
	}
	return true, nil
}

// GetMetrics summarizes tree shape and progress.
func (s *Store) GetMetrics(_ context.Context, taskID string) (tree.Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tt, ok := s.trees[taskID]
	if !ok {
		return tree.Metrics{}, tree.ErrTreeNotFound
	}
	m := tree.Metrics{
		Total:    len(tt.order),
		ByStatus: make(map[tree.NodeStatus]int),
	}
	depth := make(map[string]int, len(tt.order))
	var nodeDepth func(id string) int
	nodeDepth = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		depth[id] = 1 // cycle guard; plans are validated acyclic at commit
		max := 0
		for _, dep := range tt.nodes[id].DependsOn {
			if dep == tree.RootNodeID {
				continue
			}
			if d := nodeDepth(dep); d > max {
				max = d
			}
		}
		depth[id] = max + 1
		return depth[id]
	}
	for _, id := range tt.order {
		m.ByStatus[tt.nodes[id].Status]++
		if d := nodeDepth(id); d > m.Depth {
			m.Depth = d
		}
	}
	return m, nil
}

func (s *Store) node(taskID, stepID string) (*tree.Node, error) {
	tt, ok := s.trees[taskID]
	if !ok {
		return nil, tree.ErrTreeNotFound
	}
	n, ok := tt.nodes[stepID]
	if !ok {
		return nil, tree.ErrNodeNotFound
	}
	return n, nil
}

func (s *Store) setStatus(taskID, stepID string, status tree.NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(taskID, stepID)
	if err != nil {
		return err
	}
	n.Status = status
	return nil
}

func (s *Store) depsSatisfied(tt *taskTree, n *tree.Node) bool {
	for _, dep := range n.DependsOn {
		if dep == tree.RootNodeID {
			continue
		}
		parent, ok := tt.nodes[dep]
		if !ok || !parent.Status.TerminalSuccess() {
			return false
		}
	}
	return true
}

func cloneNode(n *tree.Node) tree.Node {
	c := *n
	c.Step = *n.Step.Clone()
	c.DependsOn = append([]string(nil), n.DependsOn...)
	if n.Outputs != nil {
		out := make(map[string]any, len(n.Outputs))
		for k, v := range n.Outputs {
			out[k] = v
		}
		c.Outputs = out
	}
	return c
}
