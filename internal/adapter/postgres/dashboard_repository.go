package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jackra1n/Lurk/internal/dashboard"
)

// DashboardRepo serves the read side of the event log: per-streamer
// aggregates, the session summary and the balance timeline.
type DashboardRepo struct {
	pool *pgxpool.Pool
}

func NewDashboardRepo(pool *pgxpool.Pool) *DashboardRepo {
	return &DashboardRepo{pool: pool}
}

type streamerAggregate struct {
	pointsEarned  int
	lastOfflineAt *time.Time
	lastWatchedAt *time.Time
}

// ChannelPointsAnalytics builds the dashboard payload: one row per
// configured streamer (with zero values for streamers that never produced an
// event), the points earned in the open run, and the balance timeline of the
// selected streamer with consecutive duplicate balances collapsed.
func (r *DashboardRepo) ChannelPointsAnalytics(ctx context.Context, q dashboard.Query) (*dashboard.Analytics, error) {
	pointsThisSession, err := r.pointsEarnedThisSession(ctx)
	if err != nil {
		return nil, err
	}

	result := &dashboard.Analytics{
		Summary: dashboard.Summary{
			TrackedChannels:         len(q.ConfiguredLogins),
			PointsEarnedThisSession: pointsThisSession,
		},
		Streamers: []dashboard.StreamerAnalyticsItem{},
		Timeline:  []dashboard.BalanceSample{},
	}
	if len(q.ConfiguredLogins) == 0 {
		return result, nil
	}

	idByLogin, err := r.streamerIDsByLogin(ctx, q.ConfiguredLogins)
	if err != nil {
		return nil, err
	}

	streamerIDs := make([]int64, 0, len(idByLogin))
	for _, id := range idByLogin {
		streamerIDs = append(streamerIDs, id)
	}

	aggregates, err := r.aggregatesByStreamer(ctx, streamerIDs)
	if err != nil {
		return nil, err
	}
	balances, err := r.latestBalances(ctx, streamerIDs)
	if err != nil {
		return nil, err
	}

	items := make([]dashboard.StreamerAnalyticsItem, 0, len(q.ConfiguredLogins))
	for _, login := range q.ConfiguredLogins {
		item := dashboard.StreamerAnalyticsItem{Login: login}

		if id, ok := idByLogin[login]; ok {
			streamerID := id
			item.StreamerID = &streamerID
			item.LatestBalance = balances[id]

			if agg, ok := aggregates[id]; ok {
				item.PointsEarned = agg.pointsEarned
				item.LastActiveAt = agg.lastOfflineAt
				item.LastWatchedAt = agg.lastWatchedAt
			}
		}

		// an online streamer is active right now, regardless of history
		if _, online := q.OnlineStreamers[login]; online {
			requestTime := q.RequestTime
			item.LastActiveAt = &requestTime
		}

		items = append(items, item)
	}

	priorityIndex := make(map[string]int, len(q.ConfiguredLogins))
	for i, login := range q.ConfiguredLogins {
		priorityIndex[login] = i
	}

	result.Streamers = dashboard.SortStreamerAnalyticsItems(dashboard.SortInput{
		Items:                items,
		SortBy:               q.SortBy,
		SortDir:              q.SortDir,
		PriorityIndexByLogin: priorityIndex,
		OnlineStreamers:      q.OnlineStreamers,
		WatchedStreamers:     q.WatchedStreamers,
	})

	selected := selectItem(result.Streamers, q.SelectedStreamerLogin)
	if selected == nil {
		return result, nil
	}
	result.SelectedStreamerLogin = selected.Login

	if selected.StreamerID != nil {
		timeline, err := r.timeline(ctx, *selected.StreamerID, q.From, q.To)
		if err != nil {
			return nil, err
		}
		result.Timeline = timeline
	}
	return result, nil
}

func selectItem(items []dashboard.StreamerAnalyticsItem, login string) *dashboard.StreamerAnalyticsItem {
	if len(items) == 0 {
		return nil
	}
	if login != "" {
		for i := range items {
			if items[i].Login == login {
				return &items[i]
			}
		}
	}
	return &items[0]
}

// pointsEarnedThisSession sums the points_earned deltas attributed to the
// currently open run. Without an open run it reports zero.
func (r *DashboardRepo) pointsEarnedThisSession(ctx context.Context) (int, error) {
	var runID int64
	err := r.pool.QueryRow(ctx, `
		SELECT id FROM miner_runs
		WHERE stopped_at IS NULL
		ORDER BY started_at DESC
		LIMIT 1`,
	).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find open miner run: %w", err)
	}

	var total int
	err = r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(points_delta), 0)
		FROM channel_point_events
		WHERE miner_run_id = $1 AND event_type = 'points_earned'`,
		runID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum session points: %w", err)
	}
	return total, nil
}

func (r *DashboardRepo) streamerIDsByLogin(ctx context.Context, logins []string) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, login FROM streamers WHERE login = ANY($1)`,
		logins,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load streamers: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var id int64
		var login string
		if err := rows.Scan(&id, &login); err != nil {
			return nil, fmt.Errorf("failed to scan streamer row: %w", err)
		}
		out[login] = id
	}
	return out, rows.Err()
}

func (r *DashboardRepo) aggregatesByStreamer(ctx context.Context, streamerIDs []int64) (map[int64]streamerAggregate, error) {
	out := make(map[int64]streamerAggregate)
	if len(streamerIDs) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT streamer_id,
		       COALESCE(SUM(points_delta), 0),
		       MAX(occurred_at) FILTER (WHERE event_type = 'stream_down'),
		       MAX(occurred_at) FILTER (WHERE event_type = 'minute_watched_tick')
		FROM channel_point_events
		WHERE streamer_id = ANY($1)
		GROUP BY streamer_id`,
		streamerIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var agg streamerAggregate
		if err := rows.Scan(&id, &agg.pointsEarned, &agg.lastOfflineAt, &agg.lastWatchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate row: %w", err)
		}
		out[id] = agg
	}
	return out, rows.Err()
}

func (r *DashboardRepo) latestBalances(ctx context.Context, streamerIDs []int64) (map[int64]int, error) {
	out := make(map[int64]int)
	if len(streamerIDs) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ON (streamer_id) streamer_id, balance
		FROM balance_samples
		WHERE streamer_id = ANY($1)
		ORDER BY streamer_id, sampled_at DESC`,
		streamerIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var balance int
		if err := rows.Scan(&id, &balance); err != nil {
			return nil, fmt.Errorf("failed to scan balance row: %w", err)
		}
		out[id] = balance
	}
	return out, rows.Err()
}

func (r *DashboardRepo) timeline(ctx context.Context, streamerID int64, from, to time.Time) ([]dashboard.BalanceSample, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT sampled_at, balance
		FROM balance_samples
		WHERE streamer_id = $1 AND sampled_at >= $2 AND sampled_at <= $3
		ORDER BY sampled_at ASC`,
		streamerID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load balance timeline: %w", err)
	}
	defer rows.Close()

	samples := []dashboard.BalanceSample{}
	for rows.Next() {
		var sample dashboard.BalanceSample
		if err := rows.Scan(&sample.Timestamp, &sample.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan timeline row: %w", err)
		}
		// collapse runs of identical balances so flat stretches render as
		// a single point
		if n := len(samples); n > 0 && samples[n-1].Balance == sample.Balance {
			continue
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}
