package worker

import (
	"math"
	"sync/atomic"
)

// Outcomes reported in the X-Cache-Worker header and counted by the stats
// collector.
const (
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	OutcomeNetwork  = "network"
	OutcomeFallback = "fallback"
	OutcomeOffline  = "offline"
	OutcomeBypass   = "bypass"
)

var outcomes = [...]string{OutcomeHit, OutcomeMiss, OutcomeNetwork, OutcomeFallback, OutcomeOffline, OutcomeBypass}

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	byOutcome [len(outcomes)]atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(outcome string, respBytes int) {
	for i, o := range outcomes {
		if o == outcome {
			s.byOutcome[i].Add(1)
			break
		}
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
	Outcomes       map[string]uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{Outcomes: make(map[string]uint64, len(outcomes))}
	for i, o := range outcomes {
		out.Outcomes[o] = s.byOutcome[i].Load()
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}
