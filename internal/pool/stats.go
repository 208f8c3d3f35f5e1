package pool

// Stats returns a point-in-time snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.permanentCount + p.overflowCount
	return Stats{
		Permanent: p.permanentCount,
		Overflow:  p.overflowCount,
		Idle:      len(p.idle),
		InUse:     total - len(p.idle),
		Waiters:   p.waiters,
	}
}
