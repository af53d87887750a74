package miner

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackra1n/Lurk/internal/domain"
	"github.com/jackra1n/Lurk/internal/twitch"
)

// newRunningFixture builds a service in the running state without going
// through Start, so the background loops stay out of the way and every
// message is handled synchronously on the test goroutine.
func newRunningFixture(logins ...string) *minerFixture {
	f := newMinerFixture(logins...)
	f.svc.running = true
	f.svc.userID = "user-1"
	f.svc.baseCtx = context.Background()
	return f
}

func (f *minerFixture) addState(login, channelID string) *domain.StreamerState {
	state := domain.NewStreamerState(login, channelID)
	f.svc.states[login] = state
	return state
}

func playbackTopic(channelID string) string {
	return twitch.TopicVideoPlaybackByID + "." + channelID
}

func pointsEarnedMessage(channelID string, balance, gain int, reason string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"data":{"channel_id":%q,"balance":{"channel_id":%q,"balance":%d},"point_gain":{"total_points":%d,"reason_code":%q}}}`,
		channelID, channelID, balance, gain, reason))
}

func TestHandlePubSubMessage_IgnoredWhenStopped(t *testing.T) {
	f := newMinerFixture("alpha")
	f.addState("alpha", "100")

	f.svc.handlePubSubMessage(playbackTopic("100"), twitch.MessageStreamUp, json.RawMessage(`{}`))

	assert.True(t, f.svc.states["alpha"].Stream.StreamUpAt.IsZero())
}

func TestHandlePubSubMessage_DropsDuplicatesInsideWindow(t *testing.T) {
	f := newRunningFixture("alpha")
	f.addState("alpha", "100")
	topic := twitch.TopicCommunityPointsUser + ".user-1"
	message := pointsEarnedMessage("100", 1000, 50, "WATCH")

	f.svc.handlePubSubMessage(topic, twitch.MessagePointsEarned, message)
	f.svc.handlePubSubMessage(topic, twitch.MessagePointsEarned, message)

	assert.Len(t, f.store.eventsOfType(domain.EventPointsEarned), 1)

	f.clock.Advance(600 * time.Millisecond)
	f.svc.handlePubSubMessage(topic, twitch.MessagePointsEarned, message)

	assert.Len(t, f.store.eventsOfType(domain.EventPointsEarned), 2)
}

func TestStreamUpAloneDoesNotMarkLive(t *testing.T) {
	f := newRunningFixture("alpha")
	state := f.addState("alpha", "100")

	f.svc.handlePubSubMessage(playbackTopic("100"), twitch.MessageStreamUp, json.RawMessage(`{}`))

	assert.False(t, state.IsLive)
	assert.Equal(t, f.clock.Now(), state.Stream.StreamUpAt)
	assert.Empty(t, f.store.eventsOfType(domain.EventStreamUp))
	assert.Equal(t, 0, f.api.getStreamInfoCalls())
}

func TestViewcountConfirmsLiveAfterDelay(t *testing.T) {
	f := newRunningFixture("alpha")
	state := f.addState("alpha", "100")
	f.addLiveStreamer("alpha", "100", 500)

	f.svc.handlePubSubMessage(playbackTopic("100"), twitch.MessageStreamUp, json.RawMessage(`{}`))

	// inside the confirm delay the viewcount only updates the counter
	f.clock.Advance(time.Minute)
	f.svc.handlePubSubMessage(playbackTopic("100"), twitch.MessageViewcount, json.RawMessage(`{"viewers":7}`))
	assert.False(t, state.IsLive)
	assert.Equal(t, 7, state.Stream.Viewers)
	assert.Equal(t, 0, f.api.getStreamInfoCalls())

	// past the delay the next viewcount triggers API verification
	f.clock.Advance(90 * time.Second)
	f.svc.handlePubSubMessage(playbackTopic("100"), twitch.MessageViewcount, json.RawMessage(`{"viewers":9}`))

	assert.True(t, state.IsLive)
	assert.Equal(t, "bc-100", state.Stream.BroadcastID)
	assert.Equal(t, "https://spade.test/alpha", state.Stream.SpadeURL)
	assert.True(t, state.Stream.WatchStreakMissing)
	assert.Equal(t, f.clock.Now(), state.Stream.OnlineAt)

	ups := f.store.eventsOfType(domain.EventStreamUp)
	require.Len(t, ups, 1)
	assert.Equal(t, domain.SourceGQLStream, ups[0].Source)
	assert.Equal(t, "alpha", ups[0].Streamer.Login)
}

func TestStreamDownRecordsEventOnlyWhenLive(t *testing.T) {
	f := newRunningFixture("alpha")
	state := f.addState("alpha", "100")
	state.IsLive = true
	state.Stream.BroadcastID = "bc-100"
	state.Stream.Title = "the title"
	state.Stream.Game = "the game"
	state.Stream.Viewers = 11

	f.svc.handlePubSubMessage(playbackTopic("100"), twitch.MessageStreamDown, json.RawMessage(`{}`))

	downs := f.store.eventsOfType(domain.EventStreamDown)
	require.Len(t, downs, 1)
	assert.Equal(t, domain.SourcePubSub, downs[0].Source)
	assert.Equal(t, "bc-100", downs[0].BroadcastID)
	assert.Equal(t, "the title", downs[0].Title)
	require.NotNil(t, downs[0].ViewersCount)
	assert.Equal(t, 11, *downs[0].ViewersCount)

	assert.False(t, state.IsLive)
	assert.Equal(t, f.clock.Now(), state.OfflineAt)
	assert.Equal(t, domain.NewStreamData(), state.Stream)

	// a second stream-down while already offline records nothing
	f.clock.Advance(time.Second)
	f.svc.handlePubSubMessage(playbackTopic("100"), twitch.MessageStreamDown, json.RawMessage(`{}`))
	assert.Len(t, f.store.eventsOfType(domain.EventStreamDown), 1)
}

func TestPointsEarnedUpdatesStreamerState(t *testing.T) {
	f := newRunningFixture("alpha")
	state := f.addState("alpha", "100")
	state.Stream.WatchStreakMissing = true
	topic := twitch.TopicCommunityPointsUser + ".user-1"

	f.svc.handlePubSubMessage(topic, twitch.MessagePointsEarned, pointsEarnedMessage("100", 1550, 50, "WATCH_STREAK"))

	events := f.store.eventsOfType(domain.EventPointsEarned)
	require.Len(t, events, 1)
	assert.Equal(t, "alpha", events[0].Streamer.Login)
	assert.Equal(t, "WATCH_STREAK", events[0].ReasonCode)
	require.NotNil(t, events[0].PointsDelta)
	assert.Equal(t, 50, *events[0].PointsDelta)
	require.NotNil(t, events[0].BalanceAfter)
	assert.Equal(t, 1550, *events[0].BalanceAfter)

	assert.Equal(t, 1550, state.ChannelPoints)
	assert.False(t, state.Stream.WatchStreakMissing)
	require.Contains(t, state.History, "WATCH_STREAK")
	assert.Equal(t, 1, state.History["WATCH_STREAK"].Counter)
	assert.Equal(t, 50, state.History["WATCH_STREAK"].Amount)
}

func TestPointsEarnedForUnknownChannelStillRecorded(t *testing.T) {
	f := newRunningFixture("alpha")
	f.addState("alpha", "100")
	topic := twitch.TopicCommunityPointsUser + ".user-1"

	f.svc.handlePubSubMessage(topic, twitch.MessagePointsEarned, pointsEarnedMessage("999", 300, 10, "WATCH"))

	events := f.store.eventsOfType(domain.EventPointsEarned)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Streamer.Login)
	assert.Equal(t, "999", events[0].Streamer.ChannelID)
}

func TestClaimAvailableTriggersClaim(t *testing.T) {
	f := newRunningFixture("alpha")
	f.addState("alpha", "100")
	topic := twitch.TopicCommunityPointsUser + ".user-1"
	message := json.RawMessage(`{"data":{"claim":{"id":"claim-1","channel_id":"100"}}}`)

	f.svc.handlePubSubMessage(topic, twitch.MessageClaimAvailable, message)

	assert.Equal(t, []string{"100:claim-1"}, f.api.getClaimCalls())
	assert.Equal(t, []domain.EventType{
		domain.EventClaimAvailable,
		domain.EventClaimAttempt,
		domain.EventClaimSuccess,
	}, f.store.eventTypes())
}

func TestClaimFailureRecordsReason(t *testing.T) {
	f := newRunningFixture("alpha")
	f.addState("alpha", "100")
	f.api.claimResult = twitch.ClaimResult{Reason: twitch.ClaimFailGQLError, Errors: []string{"claim expired"}}
	topic := twitch.TopicCommunityPointsUser + ".user-1"
	message := json.RawMessage(`{"data":{"claim":{"id":"claim-1","channel_id":"100"}}}`)

	f.svc.handlePubSubMessage(topic, twitch.MessageClaimAvailable, message)

	failures := f.store.eventsOfType(domain.EventClaimFailed)
	require.Len(t, failures, 1)
	payload, ok := failures[0].Payload.(claimFailurePayload)
	require.True(t, ok)
	assert.Equal(t, string(twitch.ClaimFailGQLError), payload.Reason)
	assert.Equal(t, []string{"claim expired"}, payload.Errors)
	assert.Empty(t, f.store.eventsOfType(domain.EventClaimSuccess))
}

func TestCheckStreamerOnline_OfflineDebounce(t *testing.T) {
	f := newRunningFixture("alpha")
	state := f.addState("alpha", "100")
	state.OfflineAt = f.clock.Now()

	f.svc.checkStreamerOnline(context.Background(), state)
	assert.Equal(t, 0, f.api.getStreamInfoCalls())

	f.clock.Advance(61 * time.Second)
	f.svc.checkStreamerOnline(context.Background(), state)
	assert.Equal(t, 1, f.api.getStreamInfoCalls())
}

func TestCheckStreamerOnline_VerifiedOfflineTransition(t *testing.T) {
	f := newRunningFixture("alpha")
	state := f.addState("alpha", "100")
	state.IsLive = true
	state.Stream.BroadcastID = "bc-100"
	state.Stream.Viewers = 3

	f.svc.checkStreamerOnline(context.Background(), state)

	downs := f.store.eventsOfType(domain.EventStreamDown)
	require.Len(t, downs, 1)
	assert.Equal(t, domain.SourceGQLStream, downs[0].Source)
	assert.False(t, state.IsLive)
	assert.Equal(t, domain.NewStreamData(), state.Stream)
}
