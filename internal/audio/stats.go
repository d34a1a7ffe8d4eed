package audio

import (
	"context"
	"sync/atomic"
	"time"
)

// Stats accumulates relay throughput counters. Reset on each Snapshot call.
type Stats struct {
	frames atomic.Uint64
	bytes  atomic.Uint64
}

func (st *Stats) add(n int) {
	st.frames.Add(1)
	st.bytes.Add(uint64(n))
}

// Snapshot returns the counts accumulated since the last call and resets them.
func (st *Stats) Snapshot() (frames, bytes uint64) {
	return st.frames.Swap(0), st.bytes.Swap(0)
}

// runStats logs relay throughput every interval while calls are active.
func (s *Server) runStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frames, bytes := s.stats.Snapshot()
			calls := s.ActiveCalls()
			if calls > 0 || frames > 0 {
				s.log.Info("relay stats",
					"calls", calls,
					"frames", frames,
					"bytes", bytes,
					"kbps", float64(bytes)*8/interval.Seconds()/1024)
			}
		}
	}
}
