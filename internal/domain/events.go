package domain

import (
	"context"
	"time"
)

// EventType enumerates the channel-point event kinds written to the durable
// log. The set is closed; adding a value requires a migration of downstream
// dashboards.
type EventType string

const (
	EventStreamUp              EventType = "stream_up"
	EventStreamDown            EventType = "stream_down"
	EventClaimAvailable        EventType = "claim_available"
	EventClaimAttempt          EventType = "claim_attempt"
	EventClaimSuccess          EventType = "claim_success"
	EventClaimFailed           EventType = "claim_failed"
	EventPointsEarned          EventType = "points_earned"
	EventWatchStarted          EventType = "watch_started"
	EventWatchStopped          EventType = "watch_stopped"
	EventMinuteWatchedTick     EventType = "minute_watched_tick"
	EventMinuteWatchedTickFail EventType = "minute_watched_tick_failed"
	EventContextSnapshot       EventType = "context_snapshot"
)

// EventSource tags which subsystem observed an event.
type EventSource string

const (
	SourcePubSub     EventSource = "pubsub"
	SourceGQLContext EventSource = "gql_context"
	SourceGQLStream  EventSource = "gql_stream"
	SourceSpade      EventSource = "spade"
	SourceSystem     EventSource = "system"
)

// StreamerRef identifies a streamer by login and/or channel id. At least one
// of the two must be set.
type StreamerRef struct {
	Login     string
	ChannelID string
}

// EventInput is one append-only event record. Zero-valued optional fields are
// persisted as NULL.
type EventInput struct {
	Streamer     StreamerRef
	EventType    EventType
	Source       EventSource
	OccurredAt   time.Time // zero means "now"
	ReasonCode   string
	PointsDelta  *int
	BalanceAfter *int
	ClaimID      string
	BroadcastID  string
	Title        string
	GameName     string
	ViewersCount *int
	Payload      any
}

// RunInfo describes one monitoring run.
type RunInfo struct {
	StartReason string
	UserID      string
	Username    string
}

// EventStore is the durable event log consumed by the miner. Implementations
// are fire-and-forget: failures are logged and swallowed so that live
// monitoring never stalls on persistence (at-least-once, best effort).
type EventStore interface {
	RegisterStreamer(ctx context.Context, ref StreamerRef)
	StartRun(ctx context.Context, info RunInfo)
	StopRun(ctx context.Context, reason string)
	RecordEvent(ctx context.Context, input EventInput)
}
