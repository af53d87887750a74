package miner

import "sort"

// DiffWatchedLogins computes the set difference between the previous and
// next watched sets. Both result slices are sorted so event emission is
// deterministic regardless of map iteration order.
func DiffWatchedLogins(previous, next map[string]struct{}) (started, stopped []string) {
	for login := range next {
		if _, ok := previous[login]; !ok {
			started = append(started, login)
		}
	}
	for login := range previous {
		if _, ok := next[login]; !ok {
			stopped = append(stopped, login)
		}
	}

	sort.Strings(started)
	sort.Strings(stopped)
	return started, stopped
}
