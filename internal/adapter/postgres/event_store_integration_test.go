package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackra1n/Lurk/internal/domain"
)

var testBaseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEventStore(t *testing.T) (*EventStore, *clockwork.FakeClock) {
	setupTestDB(t)
	clock := clockwork.NewFakeClockAt(testBaseTime)
	return NewEventStore(testPool, clock), clock
}

func intPtr(v int) *int { return &v }

func countRows(t *testing.T, table string) int {
	t.Helper()
	var n int
	err := testPool.QueryRow(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestEventStore_StartRun_IdempotentWhileActive(t *testing.T) {
	store, clock := newTestEventStore(t)
	ctx := context.Background()

	store.StartRun(ctx, domain.RunInfo{StartReason: "manual", UserID: "u1", Username: "miner"})
	clock.Advance(time.Minute)
	store.StartRun(ctx, domain.RunInfo{StartReason: "manual"})

	require.Equal(t, 1, countRows(t, "miner_runs"))

	var (
		startedAt   time.Time
		startReason string
		userID      *string
		username    *string
		stoppedAt   *time.Time
	)
	err := testPool.QueryRow(ctx, `
		SELECT started_at, start_reason, user_id, username, stopped_at FROM miner_runs`,
	).Scan(&startedAt, &startReason, &userID, &username, &stoppedAt)
	require.NoError(t, err)
	assert.Equal(t, testBaseTime, startedAt.UTC())
	assert.Equal(t, "manual", startReason)
	require.NotNil(t, userID)
	assert.Equal(t, "u1", *userID)
	require.NotNil(t, username)
	assert.Equal(t, "miner", *username)
	assert.Nil(t, stoppedAt)
}

func TestEventStore_StartRun_EmptyUserFieldsStoredAsNull(t *testing.T) {
	store, _ := newTestEventStore(t)
	ctx := context.Background()

	store.StartRun(ctx, domain.RunInfo{StartReason: "startup"})

	var userID, username *string
	err := testPool.QueryRow(ctx, `SELECT user_id, username FROM miner_runs`).Scan(&userID, &username)
	require.NoError(t, err)
	assert.Nil(t, userID)
	assert.Nil(t, username)
}

func TestEventStore_StopRun_ClosesActiveRun(t *testing.T) {
	store, clock := newTestEventStore(t)
	ctx := context.Background()

	store.StartRun(ctx, domain.RunInfo{StartReason: "manual"})
	clock.Advance(10 * time.Minute)
	store.StopRun(ctx, "stopped")

	var (
		stoppedAt  *time.Time
		stopReason *string
	)
	err := testPool.QueryRow(ctx, `SELECT stopped_at, stop_reason FROM miner_runs`).Scan(&stoppedAt, &stopReason)
	require.NoError(t, err)
	require.NotNil(t, stoppedAt)
	assert.Equal(t, testBaseTime.Add(10*time.Minute), stoppedAt.UTC())
	require.NotNil(t, stopReason)
	assert.Equal(t, "stopped", *stopReason)

	// A second stop without an active run must not touch anything
	clock.Advance(time.Minute)
	store.StopRun(ctx, "late")
	err = testPool.QueryRow(ctx, `SELECT stop_reason FROM miner_runs`).Scan(&stopReason)
	require.NoError(t, err)
	assert.Equal(t, "stopped", *stopReason)

	// A fresh start after a stop opens a second run
	store.StartRun(ctx, domain.RunInfo{StartReason: "restart"})
	assert.Equal(t, 2, countRows(t, "miner_runs"))
}

func TestEventStore_RecordEvent_SessionLifecycle(t *testing.T) {
	store, clock := newTestEventStore(t)
	ctx := context.Background()
	ref := domain.StreamerRef{Login: "alpha", ChannelID: "100"}

	store.StartRun(ctx, domain.RunInfo{StartReason: "manual", UserID: "u1"})

	store.RecordEvent(ctx, domain.EventInput{
		Streamer:    ref,
		EventType:   domain.EventStreamUp,
		Source:      domain.SourceGQLStream,
		BroadcastID: "bc-1",
		Title:       "first title",
		GameName:    "chess",
	})

	var (
		sessionID  int64
		endedAt    *time.Time
		title      *string
		sessStart  time.Time
	)
	err := testPool.QueryRow(ctx, `
		SELECT id, started_at, ended_at, title FROM stream_sessions`,
	).Scan(&sessionID, &sessStart, &endedAt, &title)
	require.NoError(t, err)
	assert.Equal(t, testBaseTime, sessStart.UTC())
	assert.Nil(t, endedAt)
	require.NotNil(t, title)
	assert.Equal(t, "first title", *title)

	// Events between up and down carry the session and the run
	clock.Advance(time.Minute)
	store.RecordEvent(ctx, domain.EventInput{
		Streamer:     ref,
		EventType:    domain.EventPointsEarned,
		Source:       domain.SourcePubSub,
		PointsDelta:  intPtr(50),
		BalanceAfter: intPtr(150),
	})

	var gotSession, gotRun *int64
	err = testPool.QueryRow(ctx, `
		SELECT stream_session_id, miner_run_id FROM channel_point_events
		WHERE event_type = 'points_earned'`,
	).Scan(&gotSession, &gotRun)
	require.NoError(t, err)
	require.NotNil(t, gotSession)
	assert.Equal(t, sessionID, *gotSession)
	require.NotNil(t, gotRun)

	// A second stream_up while the session is open reuses it and fills in
	// missing metadata only
	store.RecordEvent(ctx, domain.EventInput{
		Streamer:    ref,
		EventType:   domain.EventStreamUp,
		Source:      domain.SourcePubSub,
		GameName:    "poker",
	})
	require.Equal(t, 1, countRows(t, "stream_sessions"))
	var gameName *string
	err = testPool.QueryRow(ctx, `SELECT title, game_name FROM stream_sessions`).Scan(&title, &gameName)
	require.NoError(t, err)
	assert.Equal(t, "first title", *title)
	require.NotNil(t, gameName)
	assert.Equal(t, "poker", *gameName)

	// stream_down closes the session at the event's occurred_at
	clock.Advance(time.Hour)
	store.RecordEvent(ctx, domain.EventInput{
		Streamer:  ref,
		EventType: domain.EventStreamDown,
		Source:    domain.SourcePubSub,
	})
	err = testPool.QueryRow(ctx, `SELECT ended_at FROM stream_sessions`).Scan(&endedAt)
	require.NoError(t, err)
	require.NotNil(t, endedAt)
	assert.Equal(t, testBaseTime.Add(time.Hour+time.Minute), endedAt.UTC())

	// After the session closed, events no longer reference it
	store.RecordEvent(ctx, domain.EventInput{
		Streamer:     ref,
		EventType:    domain.EventContextSnapshot,
		Source:       domain.SourceGQLContext,
		BalanceAfter: intPtr(150),
	})
	err = testPool.QueryRow(ctx, `
		SELECT stream_session_id FROM channel_point_events
		WHERE event_type = 'context_snapshot'`,
	).Scan(&gotSession)
	require.NoError(t, err)
	assert.Nil(t, gotSession)
}

func TestEventStore_RecordEvent_ReattachesSessionAcrossRestart(t *testing.T) {
	store, clock := newTestEventStore(t)
	ctx := context.Background()
	ref := domain.StreamerRef{Login: "alpha", ChannelID: "100"}

	store.RecordEvent(ctx, domain.EventInput{
		Streamer:  ref,
		EventType: domain.EventStreamUp,
		Source:    domain.SourceGQLStream,
	})

	// A new store instance has nothing cached and must fall back to the
	// still-open row in the database
	restarted := NewEventStore(testPool, clock)
	restarted.RecordEvent(ctx, domain.EventInput{
		Streamer:    ref,
		EventType:   domain.EventMinuteWatchedTick,
		Source:      domain.SourceSpade,
	})

	require.Equal(t, 1, countRows(t, "stream_sessions"))
	var gotSession *int64
	err := testPool.QueryRow(ctx, `
		SELECT stream_session_id FROM channel_point_events
		WHERE event_type = 'minute_watched_tick'`,
	).Scan(&gotSession)
	require.NoError(t, err)
	assert.NotNil(t, gotSession)
}

func TestEventStore_BalanceSampleUpsert(t *testing.T) {
	store, clock := newTestEventStore(t)
	ctx := context.Background()
	ref := domain.StreamerRef{Login: "alpha", ChannelID: "100"}

	store.RecordEvent(ctx, domain.EventInput{
		Streamer:     ref,
		EventType:    domain.EventContextSnapshot,
		Source:       domain.SourceGQLContext,
		OccurredAt:   testBaseTime,
		BalanceAfter: intPtr(100),
	})
	// Same sampled_at: the later write wins instead of duplicating the row
	store.RecordEvent(ctx, domain.EventInput{
		Streamer:     ref,
		EventType:    domain.EventPointsEarned,
		Source:       domain.SourcePubSub,
		OccurredAt:   testBaseTime,
		PointsDelta:  intPtr(20),
		BalanceAfter: intPtr(120),
	})

	require.Equal(t, 1, countRows(t, "balance_samples"))
	var balance int
	err := testPool.QueryRow(ctx, `SELECT balance FROM balance_samples`).Scan(&balance)
	require.NoError(t, err)
	assert.Equal(t, 120, balance)

	// Events without a balance never produce samples
	clock.Advance(time.Second)
	store.RecordEvent(ctx, domain.EventInput{
		Streamer:  ref,
		EventType: domain.EventWatchStarted,
		Source:    domain.SourceSystem,
	})
	assert.Equal(t, 1, countRows(t, "balance_samples"))

	// A distinct timestamp appends a second sample
	store.RecordEvent(ctx, domain.EventInput{
		Streamer:     ref,
		EventType:    domain.EventContextSnapshot,
		Source:       domain.SourceGQLContext,
		OccurredAt:   testBaseTime.Add(time.Minute),
		BalanceAfter: intPtr(150),
	})
	assert.Equal(t, 2, countRows(t, "balance_samples"))
}

func TestEventStore_EnsureStreamer_ChannelIDMatchWins(t *testing.T) {
	store, _ := newTestEventStore(t)
	ctx := context.Background()

	// Registration by login only creates a row without a channel id
	store.RegisterStreamer(ctx, domain.StreamerRef{Login: "Alpha"})
	require.Equal(t, 1, countRows(t, "streamers"))

	var login, channelID *string
	err := testPool.QueryRow(ctx, `SELECT login, channel_id FROM streamers`).Scan(&login, &channelID)
	require.NoError(t, err)
	require.NotNil(t, login)
	assert.Equal(t, "alpha", *login)
	assert.Nil(t, channelID)

	// An event that resolves the channel id backfills the same row
	store.RecordEvent(ctx, domain.EventInput{
		Streamer:  domain.StreamerRef{Login: "alpha", ChannelID: "100"},
		EventType: domain.EventStreamUp,
		Source:    domain.SourceGQLStream,
	})
	require.Equal(t, 1, countRows(t, "streamers"))
	err = testPool.QueryRow(ctx, `SELECT channel_id FROM streamers`).Scan(&channelID)
	require.NoError(t, err)
	require.NotNil(t, channelID)
	assert.Equal(t, "100", *channelID)

	// A login rename converges onto the row carrying the channel id
	store.RecordEvent(ctx, domain.EventInput{
		Streamer:  domain.StreamerRef{Login: "alpha_renamed", ChannelID: "100"},
		EventType: domain.EventPointsEarned,
		Source:    domain.SourcePubSub,
	})
	require.Equal(t, 1, countRows(t, "streamers"))
	err = testPool.QueryRow(ctx, `SELECT login FROM streamers`).Scan(&login)
	require.NoError(t, err)
	assert.Equal(t, "alpha_renamed", *login)
}

func TestEventStore_EnsureStreamer_ChannelIDOnlyEvents(t *testing.T) {
	store, _ := newTestEventStore(t)
	ctx := context.Background()

	// PubSub can report points for channels we only know by id
	store.RecordEvent(ctx, domain.EventInput{
		Streamer:     domain.StreamerRef{ChannelID: "999"},
		EventType:    domain.EventPointsEarned,
		Source:       domain.SourcePubSub,
		PointsDelta:  intPtr(10),
		BalanceAfter: intPtr(10),
	})

	var login *string
	var channelID string
	err := testPool.QueryRow(ctx, `SELECT login, channel_id FROM streamers`).Scan(&login, &channelID)
	require.NoError(t, err)
	assert.Nil(t, login)
	assert.Equal(t, "999", channelID)
	assert.Equal(t, 1, countRows(t, "channel_point_events"))
}
