package miner

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/jackra1n/Lurk/internal/domain"
	"github.com/jackra1n/Lurk/internal/metrics"
	"github.com/jackra1n/Lurk/internal/twitch"
)

type claimAvailablePayload struct {
	Data struct {
		Claim struct {
			ID        string `json:"id"`
			ChannelID string `json:"channel_id"`
		} `json:"claim"`
	} `json:"data"`
}

type pointsEarnedPayload struct {
	Data struct {
		ChannelID string `json:"channel_id"`
		Balance   struct {
			ChannelID string `json:"channel_id"`
			Balance   int    `json:"balance"`
		} `json:"balance"`
		PointGain struct {
			TotalPoints int    `json:"total_points"`
			ReasonCode  string `json:"reason_code"`
		} `json:"point_gain"`
	} `json:"data"`
}

type viewcountPayload struct {
	Viewers *int `json:"viewers"`
}

// handlePubSubMessage is the single entry point for decoded PubSub data
// messages. Twitch delivers messages at-least-once, so identical messages
// arriving within the dedup window are dropped before dispatch.
func (s *Service) handlePubSubMessage(topic, messageType string, data json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	now := s.clock.Now()
	identifier := messageType + "." + topic
	if identifier == s.dedup.lastIdentifier && now.Sub(s.dedup.lastTimestamp) < dedupWindow {
		slog.Debug("Skipping duplicate PubSub message", "topic", topic, "message_type", messageType)
		metrics.PubSubDroppedDuplicatesTotal.Inc()
		return
	}
	s.dedup.lastTimestamp = now
	s.dedup.lastIdentifier = identifier

	topicType, topicID, _ := strings.Cut(topic, ".")
	ctx := s.baseCtx

	switch topicType {
	case twitch.TopicCommunityPointsUser:
		s.handleCommunityPointsMessage(ctx, messageType, data)
	case twitch.TopicVideoPlaybackByID:
		s.handleVideoPlaybackMessage(ctx, topicID, messageType, data)
	}
}

// handleCommunityPointsMessage reacts to the user-level topic: bonus claims
// becoming available and points being earned. Called with mu held.
func (s *Service) handleCommunityPointsMessage(ctx context.Context, messageType string, data json.RawMessage) {
	switch messageType {
	case twitch.MessageClaimAvailable:
		var payload claimAvailablePayload
		if err := json.Unmarshal(data, &payload); err != nil {
			slog.Error("Failed to decode claim-available message", "error", err)
			return
		}
		channelID := payload.Data.Claim.ChannelID
		claimID := payload.Data.Claim.ID
		streamer := s.findStateByChannelID(channelID)

		login := ""
		if streamer != nil {
			login = streamer.Name
		}
		slog.Info("Claim available", "streamer", login, "channel_id", channelID)

		s.store.RecordEvent(ctx, domain.EventInput{
			Streamer:  domain.StreamerRef{Login: login, ChannelID: channelID},
			EventType: domain.EventClaimAvailable,
			Source:    domain.SourcePubSub,
			ClaimID:   claimID,
			Payload:   json.RawMessage(data),
		})
		s.claimBonus(ctx, channelID, claimID, domain.SourcePubSub)

	case twitch.MessagePointsEarned:
		var payload pointsEarnedPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			slog.Error("Failed to decode points-earned message", "error", err)
			return
		}
		channelID := payload.Data.ChannelID
		if channelID == "" {
			channelID = payload.Data.Balance.ChannelID
		}
		streamer := s.findStateByChannelID(channelID)

		login := ""
		if streamer != nil {
			login = streamer.Name
		}
		slog.Info("Points earned",
			"streamer", login,
			"channel_id", channelID,
			"points", payload.Data.PointGain.TotalPoints,
			"reason", payload.Data.PointGain.ReasonCode,
			"balance", payload.Data.Balance.Balance)

		if channelID != "" {
			pointsDelta := payload.Data.PointGain.TotalPoints
			balanceAfter := payload.Data.Balance.Balance
			s.store.RecordEvent(ctx, domain.EventInput{
				Streamer:     domain.StreamerRef{Login: login, ChannelID: channelID},
				EventType:    domain.EventPointsEarned,
				Source:       domain.SourcePubSub,
				ReasonCode:   payload.Data.PointGain.ReasonCode,
				PointsDelta:  &pointsDelta,
				BalanceAfter: &balanceAfter,
				Payload:      json.RawMessage(data),
			})
		}

		if streamer != nil {
			streamer.ChannelPoints = payload.Data.Balance.Balance

			if payload.Data.PointGain.ReasonCode == "WATCH_STREAK" {
				streamer.Stream.WatchStreakMissing = false
			}

			tally := streamer.History[payload.Data.PointGain.ReasonCode]
			if tally == nil {
				tally = &domain.ReasonTally{}
				streamer.History[payload.Data.PointGain.ReasonCode] = tally
			}
			tally.Counter++
			tally.Amount += payload.Data.PointGain.TotalPoints
		}
	}
}

// handleVideoPlaybackMessage reacts to the per-channel stream lifecycle
// topic. A stream-up alone never marks a streamer live: the timestamp is
// recorded and a later viewcount triggers API verification once the confirm
// delay has passed. Called with mu held.
func (s *Service) handleVideoPlaybackMessage(ctx context.Context, channelID, messageType string, data json.RawMessage) {
	streamer := s.findStateByChannelID(channelID)
	if streamer == nil {
		return
	}

	switch messageType {
	case twitch.MessageStreamUp:
		// record the signal but wait for viewcount verification
		streamer.Stream.StreamUpAt = s.clock.Now()
		slog.Debug("stream-up received, waiting for verification", "streamer", streamer.Name)

	case twitch.MessageStreamDown:
		wasLive := streamer.IsLive
		previous := streamer.Stream

		if wasLive {
			slog.Info("Streamer went OFFLINE", "streamer", streamer.Name)
			viewers := previous.Viewers
			s.store.RecordEvent(ctx, domain.EventInput{
				Streamer:     domain.StreamerRef{Login: streamer.Name, ChannelID: streamer.ChannelID},
				EventType:    domain.EventStreamDown,
				Source:       domain.SourcePubSub,
				BroadcastID:  previous.BroadcastID,
				Title:        previous.Title,
				GameName:     previous.Game,
				ViewersCount: &viewers,
				Payload:      json.RawMessage(data),
			})
		}

		streamer.IsLive = false
		streamer.OfflineAt = s.clock.Now()
		streamer.Stream = domain.NewStreamData()
		s.updateLiveGauge()

	case twitch.MessageViewcount:
		var payload viewcountPayload
		if err := json.Unmarshal(data, &payload); err == nil && payload.Viewers != nil {
			streamer.Stream.Viewers = *payload.Viewers
		}

		if !streamer.IsLive && s.clock.Now().Sub(streamer.Stream.StreamUpAt) > streamUpConfirmDelay {
			s.checkStreamerOnline(ctx, streamer)
		}
	}
}
