// Package dashboard holds the channel points analytics view model and its
// sorting rules. Sorting is pure and lives apart from the SQL so the
// tie-break rules can be tested without a database.
package dashboard

import (
	"sort"
	"strings"
	"time"
)

// SortBy selects the column the streamer table is ordered by.
type SortBy string

const (
	SortByName        SortBy = "name"
	SortByPoints      SortBy = "points"
	SortByLastActive  SortBy = "lastActive"
	SortByLastWatched SortBy = "lastWatched"
	SortByPriority    SortBy = "priority"
)

// SortDir is the requested sort direction.
type SortDir string

const (
	SortAsc  SortDir = "asc"
	SortDesc SortDir = "desc"
)

// StreamerAnalyticsItem is one row of the dashboard streamer table.
type StreamerAnalyticsItem struct {
	StreamerID    *int64     `json:"streamerId"`
	Login         string     `json:"login"`
	LatestBalance int        `json:"latestBalance"`
	PointsEarned  int        `json:"pointsEarned"`
	LastActiveAt  *time.Time `json:"lastActiveAt"`
	LastWatchedAt *time.Time `json:"lastWatchedAt"`
}

// BalanceSample is one point on the selected streamer's balance timeline.
type BalanceSample struct {
	Timestamp time.Time `json:"timestamp"`
	Balance   int       `json:"balance"`
}

// Summary aggregates the headline numbers above the streamer table.
type Summary struct {
	TrackedChannels         int `json:"trackedChannels"`
	PointsEarnedThisSession int `json:"pointsEarnedThisSession"`
}

// Analytics is the full dashboard payload.
type Analytics struct {
	Summary               Summary                 `json:"summary"`
	Streamers             []StreamerAnalyticsItem `json:"streamers"`
	SelectedStreamerLogin string                  `json:"selectedStreamerLogin,omitempty"`
	Timeline              []BalanceSample         `json:"timeline"`
}

// Query carries the requested time window, ordering and the live context
// (configured logins in priority order, currently online and watched sets).
type Query struct {
	From                  time.Time
	To                    time.Time
	SortBy                SortBy
	SortDir               SortDir
	ConfiguredLogins      []string
	OnlineStreamers       map[string]struct{}
	WatchedStreamers      map[string]struct{}
	RequestTime           time.Time
	SelectedStreamerLogin string
}

// SortInput carries the items plus the live context the ordering depends on.
type SortInput struct {
	Items                []StreamerAnalyticsItem
	SortBy               SortBy
	SortDir              SortDir
	PriorityIndexByLogin map[string]int
	OnlineStreamers      map[string]struct{}
	WatchedStreamers     map[string]struct{}
}

// SortStreamerAnalyticsItems returns a sorted copy of the input items.
// Primary keys follow the requested direction; ties always fall back to
// login A-Z, regardless of direction, so equal rows keep a stable order.
// Watched and online streamers are pinned ahead of idle ones for the
// activity orderings so the currently farmed channels stay visible on top.
func SortStreamerAnalyticsItems(in SortInput) []StreamerAnalyticsItem {
	sorted := make([]StreamerAnalyticsItem, len(in.Items))
	copy(sorted, in.Items)

	online := in.OnlineStreamers
	watched := in.WatchedStreamers

	sort.SliceStable(sorted, func(i, j int) bool {
		return compareItems(sorted[i], sorted[j], in.SortBy, in.SortDir, in.PriorityIndexByLogin, online, watched) < 0
	})
	return sorted
}

func compareItems(left, right StreamerAnalyticsItem, sortBy SortBy, dir SortDir, priorityIndex map[string]int, online, watched map[string]struct{}) int {
	switch sortBy {
	case SortByName:
		if dir == SortAsc {
			return strings.Compare(right.Login, left.Login)
		}
		return strings.Compare(left.Login, right.Login)

	case SortByPoints:
		if c := directed(right.LatestBalance-left.LatestBalance, dir); c != 0 {
			return c
		}
		return strings.Compare(left.Login, right.Login)

	case SortByPriority:
		if c := directed(priorityRank(priorityIndex, left.Login)-priorityRank(priorityIndex, right.Login), dir); c != 0 {
			return c
		}
		return strings.Compare(left.Login, right.Login)

	case SortByLastWatched:
		leftWatched := contains(watched, left.Login)
		rightWatched := contains(watched, right.Login)
		if leftWatched != rightWatched {
			if leftWatched {
				return -1
			}
			return 1
		}
		if !leftWatched {
			if c := directed(compareTimesNewestFirst(left.LastWatchedAt, right.LastWatchedAt), dir); c != 0 {
				return c
			}
		}
		return strings.Compare(left.Login, right.Login)

	case SortByLastActive:
		leftGroup := activityGroupRank(left.Login, watched, online)
		rightGroup := activityGroupRank(right.Login, watched, online)
		if c := directed(leftGroup-rightGroup, dir); c != 0 {
			return c
		}
		if c := directed(compareTimesNewestFirst(left.LastActiveAt, right.LastActiveAt), dir); c != 0 {
			return c
		}
		return strings.Compare(left.Login, right.Login)
	}
	return 0
}

// directed flips a desc-oriented comparison when ascending order is asked
// for, leaving ties untouched.
func directed(c int, dir SortDir) int {
	if dir == SortAsc {
		return -c
	}
	return c
}

// compareTimesNewestFirst sorts newer first; rows without a timestamp go
// last.
func compareTimesNewestFirst(left, right *time.Time) int {
	if left == nil && right == nil {
		return 0
	}
	if left == nil {
		return 1
	}
	if right == nil {
		return -1
	}
	switch {
	case left.After(*right):
		return -1
	case right.After(*left):
		return 1
	}
	return 0
}

func priorityRank(priorityIndex map[string]int, login string) int {
	if index, ok := priorityIndex[login]; ok {
		return index
	}
	return int(^uint(0) >> 1)
}

// activityGroupRank pins watched streamers first, then online ones, then
// everyone else.
func activityGroupRank(login string, watched, online map[string]struct{}) int {
	if contains(watched, login) {
		return 0
	}
	if contains(online, login) {
		return 1
	}
	return 2
}

func contains(set map[string]struct{}, login string) bool {
	_, ok := set[login]
	return ok
}
