package escalation

import (
	"context"
	"fmt"
	"sync"

	"github.com/pitabwire/escalate/model"
)

// Role target selection strategies.
const (
	SelectFirst       = "first"
	SelectRoundRobin  = "round_robin"
	SelectLeastLoaded = "least_loaded"
)

// TargetSelector picks one user among the holders of a role. Candidates
// arrive in directory order and are never empty.
type TargetSelector interface {
	Select(ctx context.Context, role string, candidates []model.User) (model.User, error)
}

// AssignmentCounter counts the open steps assigned to a user.
type AssignmentCounter interface {
	CountOpenAssignments(ctx context.Context, userID string) (int, error)
}

// NewSelector returns the selector for a strategy name. The empty name
// selects SelectFirst.
func NewSelector(strategy string, counter AssignmentCounter) (TargetSelector, error) {
	switch strategy {
	case "", SelectFirst:
		return FirstSelector{}, nil
	case SelectRoundRobin:
		return NewRoundRobinSelector(), nil
	case SelectLeastLoaded:
		if counter == nil {
			return nil, fmt.Errorf("least_loaded selection requires an assignment counter")
		}
		return &LeastLoadedSelector{counter: counter}, nil
	}
	return nil, fmt.Errorf("unknown target selection strategy %q", strategy)
}

// FirstSelector always picks the first candidate, so the same directory
// order yields the same user.
type FirstSelector struct{}

// Select returns candidates[0].
func (FirstSelector) Select(_ context.Context, _ string, candidates []model.User) (model.User, error) {
	return candidates[0], nil
}

// RoundRobinSelector rotates through the holders of each role. The
// rotation is per process.
type RoundRobinSelector struct {
	mu   sync.Mutex
	next map[string]int
}

// NewRoundRobinSelector creates a selector with every role starting at its
// first holder.
func NewRoundRobinSelector() *RoundRobinSelector {
	return &RoundRobinSelector{next: make(map[string]int)}
}

// Select returns the next holder of role.
func (s *RoundRobinSelector) Select(_ context.Context, role string, candidates []model.User) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.next[role] % len(candidates)
	s.next[role] = i + 1
	return candidates[i], nil
}

// LeastLoadedSelector picks the holder with the fewest open assignments.
// Ties go to the earlier candidate.
type LeastLoadedSelector struct {
	counter AssignmentCounter
}

// Select returns the least loaded holder of role.
func (s *LeastLoadedSelector) Select(ctx context.Context, role string, candidates []model.User) (model.User, error) {
	best, bestLoad := 0, -1
	for i, u := range candidates {
		n, err := s.counter.CountOpenAssignments(ctx, u.ID)
		if err != nil {
			return model.User{}, fmt.Errorf("count assignments of %q for role %q: %w", u.ID, role, err)
		}
		if bestLoad < 0 || n < bestLoad {
			best, bestLoad = i, n
		}
	}
	return candidates[best], nil
}
