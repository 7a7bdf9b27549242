package pending

import "sync"

// MaxRequestID is the largest id handed out before the generator wraps.
// Matches the largest integer every wire codec carries exactly.
const MaxRequestID uint64 = 1<<53 - 1

// IDGenerator hands out monotonically increasing request ids starting at 1.
type IDGenerator struct {
	mu   sync.Mutex
	last uint64
}

// Next returns the next id, wrapping to 1 after MaxRequestID.
func (g *IDGenerator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last >= MaxRequestID {
		g.last = 0
	}
	g.last++
	return g.last
}
