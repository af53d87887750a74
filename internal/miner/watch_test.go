package miner

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackra1n/Lurk/internal/domain"
	"github.com/jackra1n/Lurk/internal/metrics"
)

// makeWatchable flips a state into the fully watchable shape: confirmed
// live, playback metadata present, grace period already elapsed.
func (f *minerFixture) makeWatchable(state *domain.StreamerState) {
	state.IsLive = true
	state.Stream.BroadcastID = "bc-" + state.ChannelID
	state.Stream.SpadeURL = "https://spade.test/" + state.Name
	state.Stream.OnlineAt = f.clock.Now().Add(-time.Minute)
	state.LastContextRefresh = f.clock.Now()
}

func watchedNames(states []*domain.StreamerState) []string {
	names := make([]string, len(states))
	for i, state := range states {
		names[i] = state.Name
	}
	return names
}

func TestSelectStreamersToWatch_ConfigOrderAndCap(t *testing.T) {
	f := newRunningFixture("alpha", "bravo", "charlie")
	channelIDs := map[string]string{"charlie": "300", "alpha": "100", "bravo": "200"}
	for _, login := range []string{"charlie", "alpha", "bravo"} {
		f.makeWatchable(f.addState(login, channelIDs[login]))
	}

	selected := f.svc.selectStreamersToWatch()

	// capped at two, ordered by config priority regardless of map order
	assert.Equal(t, []string{"alpha", "bravo"}, watchedNames(selected))
}

func TestSelectStreamersToWatch_SkipsIncompleteStreamers(t *testing.T) {
	f := newRunningFixture("alpha", "bravo", "charlie", "delta")

	offline := f.addState("alpha", "100")
	offline.Stream.BroadcastID = "bc-100"
	offline.Stream.SpadeURL = "https://spade.test/alpha"

	noSpade := f.addState("bravo", "200")
	f.makeWatchable(noSpade)
	noSpade.Stream.SpadeURL = ""

	inGrace := f.addState("charlie", "300")
	f.makeWatchable(inGrace)
	inGrace.Stream.OnlineAt = f.clock.Now().Add(-10 * time.Second)

	ready := f.addState("delta", "400")
	f.makeWatchable(ready)

	selected := f.svc.selectStreamersToWatch()

	assert.Equal(t, []string{"delta"}, watchedNames(selected))
}

func TestSelectStreamersToWatch_GracePeriodExpires(t *testing.T) {
	f := newRunningFixture("alpha")
	state := f.addState("alpha", "100")
	f.makeWatchable(state)
	state.Stream.OnlineAt = f.clock.Now()

	assert.Empty(t, f.svc.selectStreamersToWatch())

	f.clock.Advance(31 * time.Second)
	assert.Equal(t, []string{"alpha"}, watchedNames(f.svc.selectStreamersToWatch()))
}

func TestPersistWatchTransitions_RecordsMarkers(t *testing.T) {
	f := newRunningFixture("alpha", "bravo")
	alpha := f.addState("alpha", "100")
	bravo := f.addState("bravo", "200")
	f.makeWatchable(alpha)
	f.makeWatchable(bravo)

	f.svc.persistWatchTransitions(context.Background(), []*domain.StreamerState{alpha})

	started := f.store.eventsOfType(domain.EventWatchStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "alpha", started[0].Streamer.Login)
	assert.Equal(t, "100", started[0].Streamer.ChannelID)
	assert.Equal(t, domain.SourceSystem, started[0].Source)
	assert.Equal(t, "bc-100", started[0].BroadcastID)

	// swap alpha for bravo: one stop and one start, same timestamp
	f.clock.Advance(time.Minute)
	f.svc.persistWatchTransitions(context.Background(), []*domain.StreamerState{bravo})

	stopped := f.store.eventsOfType(domain.EventWatchStopped)
	started = f.store.eventsOfType(domain.EventWatchStarted)
	require.Len(t, stopped, 1)
	require.Len(t, started, 2)
	assert.Equal(t, "alpha", stopped[0].Streamer.Login)
	assert.Equal(t, "bravo", started[1].Streamer.Login)
	assert.Equal(t, stopped[0].OccurredAt, started[1].OccurredAt)

	// unchanged set records nothing new
	f.svc.persistWatchTransitions(context.Background(), []*domain.StreamerState{bravo})
	assert.Len(t, f.store.eventsOfType(domain.EventWatchStopped), 1)
	assert.Len(t, f.store.eventsOfType(domain.EventWatchStarted), 2)
}

func TestPersistWatchTransitions_NilClosesEverything(t *testing.T) {
	f := newRunningFixture("alpha")
	alpha := f.addState("alpha", "100")
	f.makeWatchable(alpha)
	f.svc.persistWatchTransitions(context.Background(), []*domain.StreamerState{alpha})

	f.svc.persistWatchTransitions(context.Background(), nil)

	stopped := f.store.eventsOfType(domain.EventWatchStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, "alpha", stopped[0].Streamer.Login)
}

func TestSendMinuteWatched_AccumulatesWatchTime(t *testing.T) {
	f := newRunningFixture("alpha")
	state := f.addState("alpha", "100")
	f.makeWatchable(state)

	f.svc.sendMinuteWatchedForStreamers(context.Background())

	require.Equal(t, []string{"https://spade.test/alpha"}, f.api.getMinuteWatchedCalls())
	assert.Equal(t, f.clock.Now(), state.Stream.MinuteWatchedAt)
	assert.Zero(t, state.Stream.MinuteWatched)

	// the second tick adds the elapsed time since the first beacon
	f.clock.Advance(20 * time.Second)
	f.svc.sendMinuteWatchedForStreamers(context.Background())

	assert.Len(t, f.api.getMinuteWatchedCalls(), 2)
	assert.InDelta(t, 1.0/3.0, state.Stream.MinuteWatched, 0.001)

	// a watch_started marker was recorded on the first selection
	assert.Len(t, f.store.eventsOfType(domain.EventWatchStarted), 1)
}

func TestSendMinuteWatched_FailureRecordsTickEvent(t *testing.T) {
	f := newRunningFixture("alpha")
	state := f.addState("alpha", "100")
	f.makeWatchable(state)
	f.api.minuteWatchedOK = false

	f.svc.sendMinuteWatchedForStreamers(context.Background())

	failures := f.store.eventsOfType(domain.EventMinuteWatchedTickFail)
	require.Len(t, failures, 1)
	assert.Equal(t, "alpha", failures[0].Streamer.Login)
	assert.Equal(t, domain.SourceSpade, failures[0].Source)
	assert.True(t, state.Stream.MinuteWatchedAt.IsZero())
}

func TestSendMinuteWatched_NoopWithoutUserID(t *testing.T) {
	f := newRunningFixture("alpha")
	state := f.addState("alpha", "100")
	f.makeWatchable(state)
	f.svc.userID = ""

	f.svc.sendMinuteWatchedForStreamers(context.Background())

	assert.Empty(t, f.api.getMinuteWatchedCalls())
}

func TestSendMinuteWatched_RefreshesStaleMetadata(t *testing.T) {
	f := newRunningFixture("alpha")
	state := f.addState("alpha", "100")
	f.makeWatchable(state)
	f.addLiveStreamer("alpha", "100", 500)
	state.LastContextRefresh = f.clock.Now()

	f.clock.Advance(11 * time.Minute)
	f.svc.sendMinuteWatchedForStreamers(context.Background())

	assert.Equal(t, 1, f.api.getStreamInfoCalls())
	assert.Len(t, f.api.getMinuteWatchedCalls(), 1)
}

func TestSendMinuteWatched_CountsTickOnce(t *testing.T) {
	f := newRunningFixture("alpha")
	state := f.addState("alpha", "100")
	f.makeWatchable(state)

	successBefore := testutil.ToFloat64(metrics.MinuteWatchedTicksTotal.WithLabelValues("success"))
	failedBefore := testutil.ToFloat64(metrics.MinuteWatchedTicksTotal.WithLabelValues("failed"))

	f.svc.sendMinuteWatchedForStreamers(context.Background())

	successAfter := testutil.ToFloat64(metrics.MinuteWatchedTicksTotal.WithLabelValues("success"))
	failedAfter := testutil.ToFloat64(metrics.MinuteWatchedTicksTotal.WithLabelValues("failed"))
	assert.InDelta(t, 1, successAfter-successBefore, 0.0001, "one beacon, one success tick")
	assert.InDelta(t, 0, failedAfter-failedBefore, 0.0001)
}

func TestSendMinuteWatched_CountsFailureOnce(t *testing.T) {
	f := newRunningFixture("alpha")
	state := f.addState("alpha", "100")
	f.makeWatchable(state)
	f.api.minuteWatchedOK = false

	failedBefore := testutil.ToFloat64(metrics.MinuteWatchedTicksTotal.WithLabelValues("failed"))

	f.svc.sendMinuteWatchedForStreamers(context.Background())

	failedAfter := testutil.ToFloat64(metrics.MinuteWatchedTicksTotal.WithLabelValues("failed"))
	assert.InDelta(t, 1, failedAfter-failedBefore, 0.0001, "one beacon, one failure tick")
}
