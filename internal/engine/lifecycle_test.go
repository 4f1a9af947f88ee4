package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle_Precedence(t *testing.T) {
	tests := []struct {
		name  string
		order []Trigger
		want  model.SessionStatus
	}{
		{name: "timeout then authority", order: []Trigger{TriggerTimeout, TriggerAuthority}, want: model.SessionStatusEndedByAuthority},
		{name: "authority then timeout", order: []Trigger{TriggerAuthority, TriggerTimeout}, want: model.SessionStatusEndedByAuthority},
		{name: "completion then timeout", order: []Trigger{TriggerCompletion, TriggerTimeout}, want: model.SessionStatusEndedByTimeout},
		{name: "timeout then completion", order: []Trigger{TriggerTimeout, TriggerCompletion}, want: model.SessionStatusEndedByTimeout},
		{name: "completion only", order: []Trigger{TriggerCompletion}, want: model.SessionStatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLifecycle()
			require.NoError(t, l.Begin())
			for _, tr := range tt.order {
				l.Propose(newOutcome(uuid.Nil, tr, SourceLocalClock, testStart))
			}
			o, ok := l.Commit()
			require.True(t, ok)
			assert.Equal(t, tt.want, o.Status)
			assert.Equal(t, tt.want, l.Status())
		})
	}
}

func TestLifecycle_TerminalStatesAbsorb(t *testing.T) {
	l := NewLifecycle()
	assert.False(t, l.Propose(newOutcome(uuid.Nil, TriggerTimeout, SourceLocalClock, testStart)), "nothing to end before start")

	require.NoError(t, l.Begin())
	require.Error(t, l.Begin())
	assert.True(t, l.Active())

	require.True(t, l.Propose(newOutcome(uuid.Nil, TriggerTimeout, SourceLocalClock, testStart)))
	assert.False(t, l.Active())
	_, ok := l.Commit()
	require.True(t, ok)

	_, ok = l.Commit()
	assert.False(t, ok, "second commit is a no-op")
	assert.False(t, l.Propose(newOutcome(uuid.Nil, TriggerAuthority, SourceReconcile, testStart)))
	assert.Equal(t, model.SessionStatusEndedByTimeout, l.Status())

	final, ok := l.Final()
	require.True(t, ok)
	assert.Equal(t, TriggerTimeout, final.Trigger)
}

func TestTriggerFor(t *testing.T) {
	for _, tr := range []Trigger{TriggerCompletion, TriggerTimeout, TriggerAuthority} {
		got, ok := TriggerFor(tr.Status())
		require.True(t, ok)
		assert.Equal(t, tr, got)
	}
	_, ok := TriggerFor(model.SessionStatusInProgress)
	assert.False(t, ok)
}
