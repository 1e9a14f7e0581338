package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: c != nil, Timezone: s.cfg.Timezone}
	s.mu.Unlock()

	if snap.Timezone == "" {
		snap.Timezone = time.UTC.String()
	}
	for _, d := range defs {
		it := ScheduleInfo{
			ID: d.id, Name: d.name, Spec: d.spec, Timeout: d.timeout,
			StartupSpread: d.startupSpread, Running: d.running.Load(),
		}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
