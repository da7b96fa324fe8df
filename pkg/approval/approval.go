// Package approval holds the pending TaskPlans that trust-0 submissions
// wait on. It is a single coarse-mutex-protected map per spec §5
// ("contention is low") rather than per-key locking — approval only
// happens once per task and is never a hot path.
package approval

import (
	"sync"

	"github.com/mattdarbro/loop-symphony/pkg/models"
)

// Status is the outcome of an Approve call.
type Status string

const (
	StatusApproved    Status = "approved"
	StatusNotFound    Status = "not_found"
	StatusAlreadyDone Status = "already_approved"
)

// Store is a keyed map of task_id -> TaskPlan for awaiting_approval
// tasks, per spec §4.11.
type Store struct {
	mu       sync.Mutex
	pending  map[string]*models.TaskPlan
	approved map[string]struct{}
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		pending:  make(map[string]*models.TaskPlan),
		approved: make(map[string]struct{}),
	}
}

// Put records plan as pending approval for its task.
func (s *Store) Put(plan *models.TaskPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[plan.TaskID] = plan
}

// Get returns the pending plan for taskID, if any.
func (s *Store) Get(taskID string) (*models.TaskPlan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[taskID]
	return p, ok
}

// Approve transitions taskID out of the pending map. It is idempotent: a
// second call after the first succeeded returns StatusAlreadyDone rather
// than an error, per spec §4.11 ("double-approve is a no-op returning
// the current status") and the round-trip testable property in §8.
func (s *Store) Approve(taskID string) (*models.TaskPlan, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if plan, ok := s.pending[taskID]; ok {
		delete(s.pending, taskID)
		s.approved[taskID] = struct{}{}
		return plan, StatusApproved
	}
	if _, ok := s.approved[taskID]; ok {
		return nil, StatusAlreadyDone
	}
	return nil, StatusNotFound
}
