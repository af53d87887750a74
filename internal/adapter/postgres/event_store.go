package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/jackra1n/Lurk/internal/domain"
	"github.com/jackra1n/Lurk/internal/metrics"
)

// EventStore implements domain.EventStore on PostgreSQL. Writes are
// best-effort: failures are logged and counted, never propagated, so the
// monitoring loop keeps running when the database is briefly unavailable.
//
// The id of the open run and the open stream session per streamer are cached
// in memory; on a cache miss the open session is re-resolved from the table,
// so a restart picks up sessions left open by a previous process.
type EventStore struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock

	mu           sync.Mutex
	activeRunID  int64
	hasActiveRun bool
	openSessions map[int64]int64
}

// NewEventStore creates the event store on an existing pool.
func NewEventStore(pool *pgxpool.Pool, clock clockwork.Clock) *EventStore {
	return &EventStore{
		pool:         pool,
		clock:        clock,
		openSessions: make(map[int64]int64),
	}
}

func (s *EventStore) safe(operation string, action func() error) {
	if err := action(); err != nil {
		metrics.EventStoreErrorsTotal.WithLabelValues(operation).Inc()
		slog.Error("Database write failed", "error", err, "operation", operation)
	}
}

func (s *EventStore) RegisterStreamer(ctx context.Context, ref domain.StreamerRef) {
	s.safe("register_streamer", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.ensureStreamer(ctx, ref)
		return err
	})
}

func (s *EventStore) StartRun(ctx context.Context, info domain.RunInfo) {
	s.safe("start_run", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.hasActiveRun {
			return nil
		}

		var id int64
		err := s.pool.QueryRow(ctx, `
			INSERT INTO miner_runs (started_at, start_reason, user_id, username)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
			RETURNING id`,
			s.clock.Now(), info.StartReason, info.UserID, info.Username,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to start miner run: %w", err)
		}

		s.activeRunID = id
		s.hasActiveRun = true
		return nil
	})
}

func (s *EventStore) StopRun(ctx context.Context, reason string) {
	s.safe("stop_run", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if !s.hasActiveRun {
			return nil
		}

		_, err := s.pool.Exec(ctx, `
			UPDATE miner_runs SET stopped_at = $1, stop_reason = $2 WHERE id = $3`,
			s.clock.Now(), reason, s.activeRunID,
		)
		if err != nil {
			return fmt.Errorf("failed to stop miner run: %w", err)
		}

		s.hasActiveRun = false
		s.activeRunID = 0
		s.openSessions = make(map[int64]int64)
		return nil
	})
}

func (s *EventStore) RecordEvent(ctx context.Context, input domain.EventInput) {
	s.safe("event:"+string(input.EventType), func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		streamerID, err := s.ensureStreamer(ctx, input.Streamer)
		if err != nil {
			return err
		}

		sessionID, hasSession, err := s.findOpenSession(ctx, streamerID)
		if err != nil {
			return err
		}

		if input.EventType == domain.EventStreamUp {
			sessionID, err = s.openSession(ctx, streamerID, sessionID, hasSession, input)
			if err != nil {
				return err
			}
			hasSession = true
		}

		occurredAt := input.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = s.clock.Now()
		}

		if err := s.writeEvent(ctx, streamerID, sessionID, hasSession, occurredAt, input); err != nil {
			return err
		}
		metrics.EventsRecordedTotal.WithLabelValues(string(input.EventType)).Inc()

		if input.EventType == domain.EventStreamDown && hasSession {
			if err := s.closeSession(ctx, streamerID, sessionID, occurredAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// ensureStreamer upserts the streamer row and returns its id. A channel id
// match wins over a login match, so login renames converge onto the row that
// carries the channel id. Called with mu held.
func (s *EventStore) ensureStreamer(ctx context.Context, ref domain.StreamerRef) (int64, error) {
	login := strings.ToLower(strings.TrimSpace(ref.Login))
	channelID := strings.TrimSpace(ref.ChannelID)

	if login == "" && channelID == "" {
		return 0, errors.New("streamer reference requires login or channel id")
	}

	now := s.clock.Now()

	if channelID != "" {
		var id int64
		err := s.pool.QueryRow(ctx,
			`SELECT id FROM streamers WHERE channel_id = $1`, channelID,
		).Scan(&id)
		if err == nil {
			_, err = s.pool.Exec(ctx, `
				UPDATE streamers
				SET login = COALESCE(NULLIF($1, ''), login), channel_id = $2, updated_at = $3
				WHERE id = $4`,
				login, channelID, now, id,
			)
			if err != nil {
				return 0, fmt.Errorf("failed to update streamer: %w", err)
			}
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("failed to look up streamer by channel id: %w", err)
		}
	}

	if login != "" {
		var id int64
		err := s.pool.QueryRow(ctx,
			`SELECT id FROM streamers WHERE login = $1`, login,
		).Scan(&id)
		if err == nil {
			_, err = s.pool.Exec(ctx, `
				UPDATE streamers
				SET login = $1, channel_id = COALESCE(NULLIF($2, ''), channel_id), updated_at = $3
				WHERE id = $4`,
				login, channelID, now, id,
			)
			if err != nil {
				return 0, fmt.Errorf("failed to update streamer: %w", err)
			}
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("failed to look up streamer by login: %w", err)
		}
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO streamers (login, channel_id, created_at, updated_at)
		VALUES (NULLIF($1, ''), NULLIF($2, ''), $3, $3)
		RETURNING id`,
		login, channelID, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert streamer: %w", err)
	}
	return id, nil
}

// findOpenSession resolves the open stream session for a streamer, if any.
// Called with mu held.
func (s *EventStore) findOpenSession(ctx context.Context, streamerID int64) (int64, bool, error) {
	if id, ok := s.openSessions[streamerID]; ok {
		return id, true, nil
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM stream_sessions
		WHERE streamer_id = $1 AND ended_at IS NULL
		ORDER BY started_at DESC
		LIMIT 1`,
		streamerID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to find open stream session: %w", err)
	}

	s.openSessions[streamerID] = id
	return id, true, nil
}

// openSession reuses the already-open session for the streamer, refreshing
// its metadata, or inserts a new one. Called with mu held.
func (s *EventStore) openSession(ctx context.Context, streamerID, sessionID int64, hasSession bool, input domain.EventInput) (int64, error) {
	if hasSession {
		_, err := s.pool.Exec(ctx, `
			UPDATE stream_sessions
			SET broadcast_id = COALESCE(NULLIF($1, ''), broadcast_id),
			    title = COALESCE(NULLIF($2, ''), title),
			    game_name = COALESCE(NULLIF($3, ''), game_name)
			WHERE id = $4`,
			input.BroadcastID, input.Title, input.GameName, sessionID,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to update stream session: %w", err)
		}
		return sessionID, nil
	}

	startedAt := input.OccurredAt
	if startedAt.IsZero() {
		startedAt = s.clock.Now()
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO stream_sessions (streamer_id, broadcast_id, title, game_name, started_at, created_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, $6)
		RETURNING id`,
		streamerID, input.BroadcastID, input.Title, input.GameName, startedAt, s.clock.Now(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create stream session: %w", err)
	}

	s.openSessions[streamerID] = id
	return id, nil
}

func (s *EventStore) closeSession(ctx context.Context, streamerID, sessionID int64, endedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE stream_sessions SET ended_at = $1 WHERE id = $2 AND ended_at IS NULL`,
		endedAt, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to close stream session: %w", err)
	}

	delete(s.openSessions, streamerID)
	return nil
}

// writeEvent inserts the event row and, when the balance is known, upserts
// the derived balance sample keyed on (streamer, sampled_at). Called with mu
// held.
func (s *EventStore) writeEvent(ctx context.Context, streamerID, sessionID int64, hasSession bool, occurredAt time.Time, input domain.EventInput) error {
	var runID *int64
	if s.hasActiveRun {
		id := s.activeRunID
		runID = &id
	}
	var session *int64
	if hasSession {
		id := sessionID
		session = &id
	}

	var eventID int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO channel_point_events (
			occurred_at, streamer_id, miner_run_id, stream_session_id,
			event_type, source, reason_code, points_delta, balance_after,
			claim_id, broadcast_id, viewers_count, payload, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, NULLIF($10, ''), NULLIF($11, ''), $12, $13, $14)
		RETURNING id`,
		occurredAt, streamerID, runID, session,
		string(input.EventType), string(input.Source), input.ReasonCode,
		input.PointsDelta, input.BalanceAfter,
		input.ClaimID, input.BroadcastID, input.ViewersCount,
		serializePayload(input.Payload), s.clock.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to write channel point event: %w", err)
	}

	if input.BalanceAfter == nil {
		return nil
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO balance_samples (streamer_id, sampled_at, balance, source_event_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (streamer_id, sampled_at)
		DO UPDATE SET balance = EXCLUDED.balance, source_event_id = EXCLUDED.source_event_id`,
		streamerID, occurredAt, *input.BalanceAfter, eventID, s.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert balance sample: %w", err)
	}
	return nil
}

func serializePayload(payload any) []byte {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return []byte(`{"serializationError":true}`)
	}
	return data
}
