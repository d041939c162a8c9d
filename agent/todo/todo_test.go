package todo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetAssignsIDsAndBumpsVersion(t *testing.T) {
	l := NewList()
	require.NoError(t, l.Set([]Item{
		{Content: "write tests", Status: StatusPending},
		{Content: "run tests", ActiveForm: "Running tests", Status: StatusInProgress},
	}))
	items := l.Items()
	require.Len(t, items, 2)
	require.NotEmpty(t, items[0].ID)
	require.NotEmpty(t, items[1].ID)
	require.Equal(t, 1, l.Version())

	require.NoError(t, l.Set(items))
	require.Equal(t, 2, l.Version())
}

func TestSetRejectsMultipleInProgress(t *testing.T) {
	l := NewList()
	require.NoError(t, l.Set([]Item{{Content: "first", Status: StatusInProgress}}))
	err := l.Set([]Item{
		{Content: "first", Status: StatusInProgress},
		{Content: "second", Status: StatusInProgress},
	})
	require.Error(t, err)
	require.Len(t, l.Items(), 1, "failed update left list unchanged")
	require.Equal(t, 1, l.Version())
}

func TestSetRejectsInvalidStatus(t *testing.T) {
	l := NewList()
	require.Error(t, l.Set([]Item{{Content: "x", Status: "paused"}}))
}

func TestRestoreNormalizesExtraInProgress(t *testing.T) {
	l := NewList()
	l.Restore(Snapshot{
		Todos: []Item{
			{ID: "a", Content: "one", Status: StatusInProgress},
			{ID: "b", Content: "two", Status: StatusInProgress},
			{ID: "c", Content: "three", Status: "bogus"},
		},
		Version: 7,
	})
	items := l.Items()
	require.Equal(t, StatusInProgress, items[0].Status)
	require.Equal(t, StatusPending, items[1].Status)
	require.Equal(t, StatusPending, items[2].Status)
	require.Equal(t, 7, l.Version(), "restore keeps the persisted version")
}

func TestRender(t *testing.T) {
	l := NewList()
	require.Empty(t, l.Render())
	require.NoError(t, l.Set([]Item{
		{Content: "plan", Status: StatusCompleted},
		{Content: "implement", ActiveForm: "Implementing", Status: StatusInProgress},
		{Content: "review", Status: StatusPending},
	}))
	require.Equal(t, "- [x] plan\n- [~] Implementing\n- [ ] review\n", l.Render())
}
