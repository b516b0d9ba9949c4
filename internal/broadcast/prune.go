package broadcast

import (
	"sort"
	"time"
)

const (
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
)

// pruneStatus bounds result retention: finished broadcasts older than the
// TTL go first, then the oldest until the size limit holds. Running
// broadcasts are never dropped.
func (s *Service) pruneStatus(now time.Time) {
	cfg := s.config()
	maxN := cfg.HistorySize
	if maxN <= 0 {
		maxN = defaultStatusMax
	}
	ttl := cfg.HistoryTTL
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	for id, r := range s.status {
		if r == nil {
			delete(s.status, id)
			continue
		}
		if !r.Running && now.Sub(r.FinishedAt) > ttl {
			delete(s.status, id)
		}
	}
	if len(s.status) <= maxN {
		return
	}

	type kv struct {
		id string
		t  time.Time
	}
	done := make([]kv, 0, len(s.status))
	for id, r := range s.status {
		if !r.Running {
			done = append(done, kv{id: id, t: r.FinishedAt})
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].t.Before(done[j].t) })
	for _, e := range done {
		if len(s.status) <= maxN {
			break
		}
		delete(s.status, e.id)
	}
}
