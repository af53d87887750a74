package domain

import "time"

// ReasonTally accumulates point gains per reason code for one streamer.
type ReasonTally struct {
	Counter int `json:"counter"`
	Amount  int `json:"amount"`
}

// StreamData holds per-broadcast state. It is reset to defaults whenever the
// streamer is confirmed offline, so no broadcast data leaks across sessions.
type StreamData struct {
	BroadcastID string
	Title       string
	Game        string
	Viewers     int
	SpadeURL    string

	// StreamUpAt is the unconfirmed PubSub stream-up signal. The streamer is
	// not considered live until a GQL poll confirms stream metadata.
	StreamUpAt time.Time

	// OnlineAt is the confirmed-live timestamp and starts the watch grace
	// period.
	OnlineAt time.Time

	MinuteWatched   float64
	MinuteWatchedAt time.Time

	// WatchStreakMissing is set on stream-up and cleared when a WATCH_STREAK
	// points-earned message arrives.
	WatchStreakMissing bool
}

// NewStreamData returns the zero broadcast state.
func NewStreamData() StreamData {
	return StreamData{}
}

// StreamerState is the per-channel state machine record. Owned exclusively by
// the miner service; all access is serialized behind its lock.
type StreamerState struct {
	Name      string
	ChannelID string
	IsLive    bool

	ChannelPoints     int
	StartingPoints    *int
	ActiveMultipliers []float64
	History           map[string]*ReasonTally

	// OfflineAt is the confirmed-offline timestamp, used for the re-check
	// debounce.
	OfflineAt time.Time

	LastContextRefresh time.Time

	Stream StreamData
}

// NewStreamerState creates the initial state for a configured channel name.
func NewStreamerState(name, channelID string) *StreamerState {
	return &StreamerState{
		Name:      name,
		ChannelID: channelID,
		History:   make(map[string]*ReasonTally),
		Stream:    NewStreamData(),
	}
}

// RuntimeState is the compact per-streamer view exposed to the HTTP layer.
type RuntimeState struct {
	Login     string `json:"login"`
	IsOnline  bool   `json:"isOnline"`
	IsWatched bool   `json:"isWatched"`
}
