package miner

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackra1n/Lurk/internal/domain"
	"github.com/jackra1n/Lurk/internal/metrics"
	"github.com/jackra1n/Lurk/internal/twitch"
)

// persistWatchTransitions diffs the next watched set against the previous
// one and records watch_started / watch_stopped markers for the delta, all
// stamped with the same timestamp so a swap shows up as one transition.
// Called with mu held.
func (s *Service) persistWatchTransitions(ctx context.Context, next []*domain.StreamerState) {
	nextLogins := make(map[string]struct{}, len(next))
	for _, state := range next {
		nextLogins[state.Name] = struct{}{}
	}

	started, stopped := DiffWatchedLogins(s.watchedLogins, nextLogins)
	if len(started) == 0 && len(stopped) == 0 {
		s.watchedLogins = nextLogins
		return
	}

	occurredAt := s.clock.Now()

	for _, login := range stopped {
		s.store.RecordEvent(ctx, s.watchMarkerEvent(login, domain.EventWatchStopped, occurredAt))
	}
	for _, login := range started {
		s.store.RecordEvent(ctx, s.watchMarkerEvent(login, domain.EventWatchStarted, occurredAt))
	}

	s.watchedLogins = nextLogins
	metrics.WatchedStreamers.Set(float64(len(nextLogins)))
}

func (s *Service) watchMarkerEvent(login string, eventType domain.EventType, occurredAt time.Time) domain.EventInput {
	input := domain.EventInput{
		Streamer:   domain.StreamerRef{Login: login},
		EventType:  eventType,
		Source:     domain.SourceSystem,
		OccurredAt: occurredAt,
	}
	if state, ok := s.states[login]; ok {
		input.Streamer.ChannelID = state.ChannelID
		input.BroadcastID = state.Stream.BroadcastID
		viewers := state.Stream.Viewers
		input.ViewersCount = &viewers
	}
	return input
}

// watchTarget is an immutable snapshot of everything the watch sequence
// needs, taken under the lock so the network phase can run without it.
type watchTarget struct {
	login       string
	channelID   string
	broadcastID string
	spadeURL    string
	viewers     int
}

// sendMinuteWatchedForStreamers is the watch loop body, run every 20
// seconds. It refreshes stale stream metadata, reselects the watched set,
// and POSTs one minute-watched beacon per watched streamer, spaced out
// across the interval.
func (s *Service) sendMinuteWatchedForStreamers(ctx context.Context) {
	s.mu.Lock()
	if !s.running || s.userID == "" {
		s.mu.Unlock()
		return
	}
	userID := s.userID
	now := s.clock.Now()

	// refresh metadata for live streamers whose context data has gone stale
	for _, state := range s.states {
		if state.IsLive && state.ChannelID != "" && now.Sub(state.LastContextRefresh) > staleMetadataAfter {
			s.checkStreamerOnline(ctx, state)
		}
	}

	selected := s.selectStreamersToWatch()
	s.persistWatchTransitions(ctx, selected)

	targets := make([]watchTarget, 0, len(selected))
	for _, state := range selected {
		targets = append(targets, watchTarget{
			login:       state.Name,
			channelID:   state.ChannelID,
			broadcastID: state.Stream.BroadcastID,
			spadeURL:    state.Stream.SpadeURL,
			viewers:     state.Stream.Viewers,
		})
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	delayBetween := minuteWatchedEvery / time.Duration(len(targets))

	for i, target := range targets {
		s.watchOne(ctx, userID, target)

		// space out requests, skipping the delay after the last one
		if i < len(targets)-1 {
			select {
			case <-s.clock.After(delayBetween):
			case <-ctx.Done():
				return
			}
		}
	}
}

// watchOne runs the minute-watched sequence for a single streamer: playback
// token, lowest-quality HLS URL, then the spade beacon.
func (s *Service) watchOne(ctx context.Context, userID string, target watchTarget) {
	if target.channelID == "" || target.broadcastID == "" || target.spadeURL == "" {
		return
	}

	token := s.api.GetPlaybackAccessToken(ctx, target.login)
	if token == nil {
		slog.Debug("Could not get playback token, skipping minute-watched", "streamer", target.login)
		return
	}

	streamURL := s.api.FetchLowestQualityStreamURL(ctx, target.login, token)
	if streamURL == "" {
		slog.Debug("Could not resolve stream URL, skipping minute-watched", "streamer", target.login)
		return
	}

	payload, err := twitch.EncodeMinuteWatchedPayload(target.channelID, target.broadcastID, userID, target.login)
	if err != nil {
		slog.Error("Failed to encode minute-watched payload", "error", err, "streamer", target.login)
		return
	}

	success := s.api.SendMinuteWatched(ctx, target.spadeURL, payload)
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[target.login]
	if !ok {
		return
	}

	if success {
		metrics.MinuteWatchedTicksTotal.WithLabelValues("success").Inc()
		if !state.Stream.MinuteWatchedAt.IsZero() {
			state.Stream.MinuteWatched += now.Sub(state.Stream.MinuteWatchedAt).Minutes()
		}
		state.Stream.MinuteWatchedAt = now
		slog.Debug("Sent minute-watched event",
			"streamer", target.login,
			"minute_watched", state.Stream.MinuteWatched)
		return
	}

	metrics.MinuteWatchedTicksTotal.WithLabelValues("failed").Inc()
	viewers := target.viewers
	s.store.RecordEvent(ctx, domain.EventInput{
		Streamer:     domain.StreamerRef{Login: target.login, ChannelID: target.channelID},
		EventType:    domain.EventMinuteWatchedTickFail,
		Source:       domain.SourceSpade,
		BroadcastID:  target.broadcastID,
		ViewersCount: &viewers,
		Payload:      map[string]bool{"success": false},
	})
	slog.Debug("Minute-watched POST did not return 204", "streamer", target.login)
}
