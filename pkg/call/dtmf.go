package call

// dtmfQueue buffers digit-send requests issued between call creation and
// the call going active. FIFO; flushed once on the active transition,
// discarded on call end. Guarded by the session lock.
type dtmfQueue struct {
	pending []string
}

func (q *dtmfQueue) enqueue(seq string) {
	q.pending = append(q.pending, seq)
}

// flush returns the queued sequences in enqueue order and clears the queue.
func (q *dtmfQueue) flush() []string {
	out := q.pending
	q.pending = nil
	return out
}

// discard drops everything queued, returning how many entries were lost.
func (q *dtmfQueue) discard() int {
	n := len(q.pending)
	q.pending = nil
	return n
}

func (q *dtmfQueue) len() int {
	return len(q.pending)
}

// validDigit reports whether r is in the DTMF alphabet.
func validDigit(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r == '*' || r == '#':
		return true
	case r >= 'A' && r <= 'D', r >= 'a' && r <= 'd':
		return true
	}
	return false
}
