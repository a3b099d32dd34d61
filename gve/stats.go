package gve

// Stats is a snapshot of per-queue counters. Statistics/ethtool surfaces
// are out of scope for the core datapath spec (§1), but the teacher's own
// upstream (gve_ethtool.c) exposes exactly these counters, so they are
// carried as the ambient observability surface every queue-owning driver
// in this codebase provides.
type Stats struct {
	TxQueues []TxQueueStats
	RxQueues []RxQueueStats
}

// TxQueueStats is one TX ring's backpressure counters.
type TxQueueStats struct {
	Stopped uint64
	Woken   uint64
}

// RxQueueStats is one RX ring's buffer-supply counter.
type RxQueueStats struct {
	FillCount uint32
}

// Stats returns a snapshot of every active queue's counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	var s Stats
	for _, r := range d.tx {
		stop, wake := r.Counts()
		s.TxQueues = append(s.TxQueues, TxQueueStats{Stopped: stop, Woken: wake})
	}
	for _, r := range d.rx {
		s.RxQueues = append(s.RxQueues, RxQueueStats{FillCount: r.FillCount()})
	}
	return s
}
