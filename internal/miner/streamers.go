package miner

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/jackra1n/Lurk/internal/domain"
	"github.com/jackra1n/Lurk/internal/metrics"
	"github.com/jackra1n/Lurk/internal/platform/retry"
	"github.com/jackra1n/Lurk/internal/twitch"
)

// listenRetryPolicy re-sends a LISTEN whose ack timed out. The server may
// have processed the first one, in which case the retry is an ack'd no-op.
var listenRetryPolicy = retry.Policy{MaxAttempts: 3}

func classifyListenError(err error) retry.Action {
	if errors.Is(err, domain.ErrListenTimeout) {
		return retry.Retry
	}
	return retry.Stop
}

// syncStreamers reconciles the in-memory state map with the configured
// streamer list: new logins get a channel ID lookup and a fresh state,
// removed logins are dropped. Every configured streamer is (re-)registered
// in the event store so the dashboard can resolve logins to channel ids.
// Called with mu held.
func (s *Service) syncStreamers(ctx context.Context) error {
	configured := s.source.Streamers()

	for _, login := range configured {
		if _, ok := s.states[login]; !ok {
			channelID := s.api.GetUserID(ctx, login)
			s.states[login] = domain.NewStreamerState(login, channelID)
			if channelID == "" {
				slog.Warn("Could not get channel ID", "streamer", login)
			}
		}

		state := s.states[login]
		s.store.RegisterStreamer(ctx, domain.StreamerRef{
			Login:     state.Name,
			ChannelID: state.ChannelID,
		})
	}

	keep := make(map[string]struct{}, len(configured))
	for _, login := range configured {
		keep[login] = struct{}{}
	}
	for login := range s.states {
		if _, ok := keep[login]; !ok {
			delete(s.states, login)
		}
	}
	return nil
}

// subscribePointsTopic subscribes to the authenticated user-level channel
// points topic. Without a user ID (or on failure) the miner still works,
// claims are then only detected by the periodic context checks.
func (s *Service) subscribePointsTopic(ctx context.Context) {
	if s.userID == "" {
		slog.Warn("No user ID available, skipping user-level PubSub topic")
		slog.Info("Claim bonuses will be detected via periodic channel points context checks")
		return
	}

	topic := twitch.TopicCommunityPointsUser + "." + s.userID
	if err := s.listenWithRetry(ctx, topic, true); err != nil {
		slog.Error("Failed to subscribe to user topic", "error", err)
		slog.Warn("Claim bonuses will be detected via periodic channel points context checks")
		return
	}
	slog.Info("Subscribed to user-level channel points topic", "user_id", s.userID)
}

// subscribeStreamer subscribes to the public stream lifecycle topic for one
// channel. Failures are logged but do not abort startup.
func (s *Service) subscribeStreamer(ctx context.Context, state *domain.StreamerState) {
	if state.ChannelID == "" {
		return
	}

	topic := twitch.TopicVideoPlaybackByID + "." + state.ChannelID
	if err := s.listenWithRetry(ctx, topic, false); err != nil {
		slog.Error("Failed to subscribe to streamer topic", "error", err, "streamer", state.Name)
		return
	}
	slog.Info("Subscribed to stream status", "streamer", state.Name)
}

func (s *Service) listenWithRetry(ctx context.Context, topic string, requiresAuth bool) error {
	return retry.DoVoid(ctx, listenRetryPolicy, classifyListenError, func() error {
		return s.pubsub.Listen(topic, requiresAuth)
	})
}

// checkStreamerOnline verifies live status via the API and applies the
// resulting transition. A streamer confirmed offline less than a minute ago
// is not re-checked, flapping channels would otherwise hammer the API.
// Called with mu held.
func (s *Service) checkStreamerOnline(ctx context.Context, state *domain.StreamerState) {
	if state.ChannelID == "" {
		return
	}

	now := s.clock.Now()
	if !state.OfflineAt.IsZero() && now.Sub(state.OfflineAt) < offlineCheckDebounce {
		slog.Debug("Skipping online check (offline debounce)", "streamer", state.Name)
		return
	}

	info := s.api.GetStreamInfo(ctx, state.Name)
	if info == nil {
		if state.IsLive {
			previous := state.Stream
			state.IsLive = false
			state.OfflineAt = now
			viewers := previous.Viewers
			s.store.RecordEvent(ctx, domain.EventInput{
				Streamer:     domain.StreamerRef{Login: state.Name, ChannelID: state.ChannelID},
				EventType:    domain.EventStreamDown,
				Source:       domain.SourceGQLStream,
				BroadcastID:  previous.BroadcastID,
				Title:        previous.Title,
				GameName:     previous.Game,
				ViewersCount: &viewers,
			})
			slog.Info("Streamer went OFFLINE (verified via API)", "streamer", state.Name)
			s.updateLiveGauge()
		}
		state.Stream = domain.NewStreamData()
		return
	}

	applyStreamInfo(state, info)

	if !state.IsLive {
		state.IsLive = true
		state.Stream.OnlineAt = now
		state.Stream.WatchStreakMissing = true
		state.Stream.MinuteWatched = 0
		state.Stream.MinuteWatchedAt = time.Time{}
		viewers := state.Stream.Viewers
		s.store.RecordEvent(ctx, domain.EventInput{
			Streamer:     domain.StreamerRef{Login: state.Name, ChannelID: state.ChannelID},
			EventType:    domain.EventStreamUp,
			Source:       domain.SourceGQLStream,
			BroadcastID:  state.Stream.BroadcastID,
			Title:        state.Stream.Title,
			GameName:     state.Stream.Game,
			ViewersCount: &viewers,
		})
		slog.Info("Streamer went LIVE",
			"streamer", state.Name,
			"title", state.Stream.Title,
			"game", state.Stream.Game,
			"viewers", state.Stream.Viewers)
		s.updateLiveGauge()
	}

	// the spade URL is needed for minute-watched events
	if state.Stream.SpadeURL == "" {
		if spadeURL := s.api.GetSpadeURL(ctx, state.Name); spadeURL != "" {
			state.Stream.SpadeURL = spadeURL
		} else {
			slog.Warn("Could not fetch spade URL", "streamer", state.Name)
		}
	}
}

func (s *Service) updateLiveGauge() {
	live := 0
	for _, state := range s.states {
		if state.IsLive {
			live++
		}
	}
	metrics.LiveStreamers.Set(float64(live))
}

func applyStreamInfo(state *domain.StreamerState, info *twitch.StreamInfo) {
	state.Stream.BroadcastID = info.BroadcastID
	state.Stream.Title = info.Title
	state.Stream.Game = info.Game
	state.Stream.Viewers = info.ViewersCount
}

// claimBonus records a claim attempt, fires the claim mutation and records
// the outcome. Called with mu held.
func (s *Service) claimBonus(ctx context.Context, channelID, claimID string, source domain.EventSource) {
	streamer := s.findStateByChannelID(channelID)
	login := ""
	if streamer != nil {
		login = streamer.Name
	}
	ref := domain.StreamerRef{Login: login, ChannelID: channelID}

	s.store.RecordEvent(ctx, domain.EventInput{
		Streamer:  ref,
		EventType: domain.EventClaimAttempt,
		Source:    source,
		ClaimID:   claimID,
	})

	result := s.api.ClaimBonus(ctx, channelID, claimID)
	if !result.OK {
		metrics.ClaimsTotal.WithLabelValues("failed").Inc()
		s.store.RecordEvent(ctx, domain.EventInput{
			Streamer:  ref,
			EventType: domain.EventClaimFailed,
			Source:    source,
			ClaimID:   claimID,
			Payload:   claimFailurePayload{Reason: string(result.Reason), Errors: result.Errors},
		})
		slog.Warn("Failed to claim bonus",
			"streamer", login,
			"channel_id", channelID,
			"claim_id", claimID,
			"reason", result.Reason)
		return
	}

	metrics.ClaimsTotal.WithLabelValues("success").Inc()
	s.store.RecordEvent(ctx, domain.EventInput{
		Streamer:  ref,
		EventType: domain.EventClaimSuccess,
		Source:    source,
		ClaimID:   claimID,
	})
	slog.Info("Successfully claimed bonus",
		"streamer", login,
		"channel_id", channelID,
		"claim_id", claimID,
		"source", source)
}

type claimFailurePayload struct {
	Reason string   `json:"reason"`
	Errors []string `json:"errors,omitempty"`
}

// processStreamer refreshes one streamer's channel points context, records a
// balance snapshot and claims any bonus the context exposes. Live status is
// left to PubSub. Called with mu held.
func (s *Service) processStreamer(ctx context.Context, state *domain.StreamerState) {
	state.LastContextRefresh = s.clock.Now()

	if state.ChannelID == "" {
		slog.Debug("Skipping streamer without channel ID", "streamer", state.Name)
		return
	}

	pointsCtx := s.api.GetChannelPointsContext(ctx, state.Name)
	if pointsCtx == nil {
		return
	}

	if state.StartingPoints == nil {
		starting := pointsCtx.Balance
		state.StartingPoints = &starting
	}
	state.ChannelPoints = pointsCtx.Balance
	state.ActiveMultipliers = pointsCtx.ActiveMultipliers

	balance := pointsCtx.Balance
	s.store.RecordEvent(ctx, domain.EventInput{
		Streamer:     domain.StreamerRef{Login: state.Name, ChannelID: state.ChannelID},
		EventType:    domain.EventContextSnapshot,
		Source:       domain.SourceGQLContext,
		BalanceAfter: &balance,
		Payload:      contextSnapshotPayload{ActiveMultipliers: pointsCtx.ActiveMultipliers},
	})

	if pointsCtx.AvailableClaimID != "" {
		slog.Info("Found available claim via context check", "streamer", state.Name)
		s.store.RecordEvent(ctx, domain.EventInput{
			Streamer:  domain.StreamerRef{Login: state.Name, ChannelID: state.ChannelID},
			EventType: domain.EventClaimAvailable,
			Source:    domain.SourceGQLContext,
			ClaimID:   pointsCtx.AvailableClaimID,
		})
		s.claimBonus(ctx, state.ChannelID, pointsCtx.AvailableClaimID, domain.SourceGQLContext)
	}
}

type contextSnapshotPayload struct {
	ActiveMultipliers []float64 `json:"activeMultipliers"`
}

// selectStreamersToWatch picks up to maxWatchedStreamers watchable streamers
// in config order. A streamer is watchable once it is confirmed live, has
// full playback metadata, and its grace period after going live has passed.
// Called with mu held.
func (s *Service) selectStreamersToWatch() []*domain.StreamerState {
	now := s.clock.Now()
	var eligible []*domain.StreamerState

	for _, state := range s.states {
		if state.IsLive &&
			state.ChannelID != "" &&
			state.Stream.BroadcastID != "" &&
			state.Stream.SpadeURL != "" &&
			(state.Stream.OnlineAt.IsZero() || now.Sub(state.Stream.OnlineAt) > watchGracePeriod) {
			eligible = append(eligible, state)
		}
	}

	configOrder := s.source.Streamers()
	rank := make(map[string]int, len(configOrder))
	for i, login := range configOrder {
		rank[login] = i
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		ri, iOK := rank[eligible[i].Name]
		rj, jOK := rank[eligible[j].Name]
		if iOK != jOK {
			return iOK
		}
		return ri < rj
	})

	if len(eligible) > maxWatchedStreamers {
		eligible = eligible[:maxWatchedStreamers]
	}
	return eligible
}
