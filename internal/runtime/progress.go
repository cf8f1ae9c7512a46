package runtime

// ProgressCounter counts successfully relayed deliveries between heartbeats.
// It is owned by the relay loop and is not safe for concurrent use.
type ProgressCounter struct {
	count     int
	threshold int
}

// NewProgressCounter returns a counter that rolls over once it exceeds
// threshold. A non-positive threshold uses the default of 1000.
func NewProgressCounter(threshold int) *ProgressCounter {
	if threshold <= 0 {
		threshold = 1000
	}
	return &ProgressCounter{threshold: threshold}
}

// Increment records one relayed delivery and reports whether the counter
// exceeded the threshold, in which case it has been reset to zero.
func (p *ProgressCounter) Increment() bool {
	p.count++
	if p.count > p.threshold {
		p.count = 0
		return true
	}
	return false
}

// Count returns the deliveries recorded since the last rollover.
func (p *ProgressCounter) Count() int { return p.count }
