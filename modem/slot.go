package modem

import (
	"context"
	"time"

	"i4.energy/across/cellgw/at"
)

// slot is one in-flight command exchange. At most one exchange exists at
// a time: acquireSlot blocks on a capacity-1 semaphore until the previous
// exchange has been released. Terminal transitions (ok, error, timeout)
// belong to the reader loop alone and are signaled through done exactly
// once.
type slot struct {
	cmd      *at.Command
	resp     []byte // last parameter payload, capped at max
	max      int
	owned    bool // resp allocated here rather than borrowed from the caller
	expected int  // parameter lines required before OK completes
	received int
	started  time.Time
	timeout  time.Duration // zero never expires
	payload  []byte        // prompt-mode body, written by the loop
	trailer  []byte        // sent after payload (e.g. Ctrl-Z)
	err      error
	done     chan struct{}
}

// store replaces the slot's response payload, bounded by its capacity,
// and counts the parameter line.
func (s *slot) store(p []byte) {
	if len(p) > s.max {
		p = p[:s.max]
	}
	s.resp = append(s.resp[:0], p...)
	s.received++
}

// acquireSlot blocks until the exchange slot is free, then arms it for
// the given command. A nil buf with capacity > 0 allocates an owned
// response buffer; a caller-provided buf is borrowed and filled in place.
// timeout bounds the whole exchange; zero disables expiry. expected is
// the number of parameter lines that must arrive before a final OK
// completes the exchange.
func (d *Device) acquireSlot(ctx context.Context, id at.ID, buf []byte, capacity int, timeout time.Duration, expected int) (*slot, error) {
	select {
	case d.slotSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s := &slot{
		cmd:      at.Cmd(id),
		expected: expected,
		started:  time.Now(),
		timeout:  timeout,
		done:     make(chan struct{}),
	}
	switch {
	case buf != nil:
		s.resp = buf[:0]
		s.max = cap(buf)
	case capacity > 0:
		s.resp = make([]byte, 0, capacity)
		s.max = capacity
		s.owned = true
	}
	d.mu.Lock()
	d.active = s
	d.mu.Unlock()
	return s, nil
}

// waitSlot blocks until the reader loop resolves the exchange. The loop
// is the only timeout authority, so the wait is bounded by the slot's
// own timeout (or unbounded when it is zero).
func (d *Device) waitSlot(s *slot) error {
	<-s.done
	return s.err
}

// releaseSlot frees the exchange slot. It must follow every successful
// acquire exactly once, after waitSlot or after a failed send.
func (d *Device) releaseSlot(s *slot) {
	d.mu.Lock()
	if d.active == s {
		d.active = nil
	}
	d.mu.Unlock()
	<-d.slotSem
}

func (d *Device) activeSlot() *slot {
	d.mu.Lock()
	s := d.active
	d.mu.Unlock()
	return s
}

// finishSlot records the terminal state and wakes the waiter. Loop side
// only; a slot is finished at most once because it is detached from
// d.active here.
func (d *Device) finishSlot(s *slot, err error) {
	d.mu.Lock()
	if d.active == s {
		d.active = nil
	}
	d.mu.Unlock()
	s.err = err
	close(s.done)
}

// checkSlotTimeout expires the active exchange once its budget has
// passed. Called from the loop's housekeeping tick.
func (d *Device) checkSlotTimeout() {
	s := d.activeSlot()
	if s == nil || s.timeout == 0 {
		return
	}
	if time.Since(s.started) > s.timeout {
		d.logger.Warn("command timed out",
			"cmd", s.cmd.Body, "timeout", s.timeout)
		d.finishSlot(s, ErrTimeout)
	}
}
