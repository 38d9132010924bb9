package escalation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/escalate/model"
)

var managers = []model.User{{ID: "M1"}, {ID: "M2"}, {ID: "M3"}}

type fakeCounter map[string]int

func (c fakeCounter) CountOpenAssignments(_ context.Context, userID string) (int, error) {
	if n, ok := c[userID]; ok {
		return n, nil
	}
	return 0, errors.New("counter unavailable")
}

func TestFirstSelector_deterministic(t *testing.T) {
	var s FirstSelector
	for range 5 {
		u, err := s.Select(context.Background(), "manager", managers)
		require.NoError(t, err)
		assert.Equal(t, "M1", u.ID)
	}
}

func TestRoundRobinSelector_rotatesPerRole(t *testing.T) {
	s := NewRoundRobinSelector()
	ctx := context.Background()

	var got []string
	for range 4 {
		u, err := s.Select(ctx, "manager", managers)
		require.NoError(t, err)
		got = append(got, u.ID)
	}
	assert.Equal(t, []string{"M1", "M2", "M3", "M1"}, got)

	u, err := s.Select(ctx, "director", []model.User{{ID: "D1"}, {ID: "D2"}})
	require.NoError(t, err)
	assert.Equal(t, "D1", u.ID, "each role has its own rotation")

	u, err = s.Select(ctx, "manager", managers[:1])
	require.NoError(t, err)
	assert.Equal(t, "M1", u.ID, "a shrunk candidate list wraps")
}

func TestLeastLoadedSelector(t *testing.T) {
	ctx := context.Background()

	s, err := NewSelector(SelectLeastLoaded, fakeCounter{"M1": 4, "M2": 1, "M3": 1})
	require.NoError(t, err)
	u, err := s.Select(ctx, "manager", managers)
	require.NoError(t, err)
	assert.Equal(t, "M2", u.ID, "ties go to the earlier candidate")

	s, err = NewSelector(SelectLeastLoaded, fakeCounter{"M1": 0})
	require.NoError(t, err)
	_, err = s.Select(ctx, "manager", managers)
	assert.Error(t, err)
}

func TestLeastLoadedSelector_countsStoreAssignments(t *testing.T) {
	h := newHarness(t)
	h.store.PutStepInstance(model.WorkflowStepInstance{ID: "a", Status: model.StepStatusPending, AssignedTo: "M1"})
	h.store.PutStepInstance(model.WorkflowStepInstance{ID: "b", Status: model.StepStatusInProgress, AssignedTo: "M1"})
	h.store.PutStepInstance(model.WorkflowStepInstance{ID: "c", Status: model.StepStatusApproved, AssignedTo: "M2"})

	s, err := NewSelector(SelectLeastLoaded, h.store)
	require.NoError(t, err)
	u, err := s.Select(context.Background(), "manager", []model.User{{ID: "M1"}, {ID: "M2"}})
	require.NoError(t, err)
	assert.Equal(t, "M2", u.ID, "closed steps do not count as load")
}

func TestNewSelector(t *testing.T) {
	for _, name := range []string{"", SelectFirst, SelectRoundRobin} {
		s, err := NewSelector(name, nil)
		require.NoError(t, err, name)
		assert.NotNil(t, s)
	}
	_, err := NewSelector(SelectLeastLoaded, nil)
	assert.Error(t, err)
	_, err = NewSelector("random", nil)
	assert.Error(t, err)
}
