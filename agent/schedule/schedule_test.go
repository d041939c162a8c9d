package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/agent/events"
)

type capture struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capture) emit(_ context.Context, ev events.Event) events.Bookmark {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return events.Bookmark{}
}

func (c *capture) fired() []*events.SchedulerTriggered {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*events.SchedulerTriggered, 0, len(c.events))
	for _, ev := range c.events {
		if st, ok := ev.(*events.SchedulerTriggered); ok {
			out = append(out, st)
		}
	}
	return out
}

func TestStepTriggerFiresOnMultiples(t *testing.T) {
	cap := &capture{}
	s := NewScheduler(cap.emit)
	defer s.Close()
	require.NoError(t, s.OnSteps("every-two", 2))

	ctx := context.Background()
	for n := 1; n <= 5; n++ {
		s.NotifyStep(ctx, n)
	}
	fired := cap.fired()
	require.Len(t, fired, 2, "steps 2 and 4")
	require.Equal(t, "every-two", fired[0].TaskID)
	require.Equal(t, "steps", fired[0].Kind)
	require.Equal(t, "2", fired[0].Spec)
}

func TestStepTriggerRejectsBadInterval(t *testing.T) {
	s := NewScheduler((&capture{}).emit)
	defer s.Close()
	require.Error(t, s.OnSteps("bad", 0))
	require.Error(t, s.OnSteps("", 1))
}

func TestTimerTriggerFiresOnceAndUnregisters(t *testing.T) {
	cap := &capture{}
	s := NewScheduler(cap.emit)
	defer s.Close()
	require.NoError(t, s.OnTimer("soon", 10*time.Millisecond))
	require.Len(t, s.Triggers(), 1)

	require.Eventually(t, func() bool { return len(cap.fired()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(s.Triggers()) == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "time", cap.fired()[0].Kind)
}

func TestCronSpecValidation(t *testing.T) {
	s := NewScheduler((&capture{}).emit)
	defer s.Close()
	require.Error(t, s.OnCron("bad", "not a cron spec"))
	require.NoError(t, s.OnCron("nightly", "0 3 * * *"))
	require.Len(t, s.Triggers(), 1)
}

func TestDuplicateIDRejected(t *testing.T) {
	s := NewScheduler((&capture{}).emit)
	defer s.Close()
	require.NoError(t, s.OnSteps("dup", 1))
	require.Error(t, s.OnTimer("dup", time.Second))
	require.Error(t, s.OnCron("dup", "* * * * *"))
}

func TestRemove(t *testing.T) {
	cap := &capture{}
	s := NewScheduler(cap.emit)
	defer s.Close()
	require.NoError(t, s.OnSteps("gone", 1))
	s.Remove("gone")
	s.Remove("never-existed")
	s.NotifyStep(context.Background(), 1)
	require.Empty(t, cap.fired())
}

func TestCloseDropsSubsequentFires(t *testing.T) {
	cap := &capture{}
	s := NewScheduler(cap.emit)
	require.NoError(t, s.OnSteps("every", 1))
	s.Close()
	s.NotifyStep(context.Background(), 1)
	require.Empty(t, cap.fired())
	require.Error(t, s.OnSteps("late", 1), "closed scheduler rejects registration")
}
