package pipeline

import "sync/atomic"

// Stats counts stage executions since process start.
type Stats struct {
	counts map[StageName]*atomic.Int64
}

func newStats() *Stats {
	s := &Stats{counts: make(map[StageName]*atomic.Int64, len(Stages))}
	for _, name := range Stages {
		s.counts[name] = new(atomic.Int64)
	}
	return s
}

func (s *Stats) record(name StageName) {
	if c, ok := s.counts[name]; ok {
		c.Add(1)
	}
}

// Snapshot returns the execution count per stage.
func (s *Stats) Snapshot() map[StageName]int64 {
	out := make(map[StageName]int64, len(s.counts))
	for name, c := range s.counts {
		out[name] = c.Load()
	}
	return out
}
