package sync

import "runtime"

var (
	// yieldFn is invoked between spin attempts. On hardware this is a pause
	// hint (pause, yield or wfe); tests replace it to observe spinning.
	yieldFn = runtime.Gosched
)

// maxBackoffShift caps the number of yields between two attempts to
// 1 << maxBackoffShift.
const maxBackoffShift = 6

// Backoff implements a capped exponential backoff for spin loops. The zero
// value is ready to use.
type Backoff struct {
	shift uint8
}

// Wait yields 1 << n times where n is the number of previous calls to Wait,
// capped at maxBackoffShift.
func (b *Backoff) Wait() {
	for i := 0; i < 1<<b.shift; i++ {
		yieldFn()
	}

	if b.shift < maxBackoffShift {
		b.shift++
	}
}

// Reset restores the backoff to its initial state.
func (b *Backoff) Reset() {
	b.shift = 0
}

// SpinUntil busy-waits until cond returns true. If check is not nil, it is
// invoked before every attempt; callers use it to honor cross-core requests
// (e.g. a pending halt) while spinning.
func SpinUntil(cond func() bool, check func()) {
	var b Backoff
	for {
		if check != nil {
			check()
		}

		if cond() {
			return
		}

		b.Wait()
	}
}

// SpinFor behaves like SpinUntil but gives up after maxAttempts attempts. It
// returns true if cond was satisfied.
func SpinFor(cond func() bool, check func(), maxAttempts int) bool {
	var b Backoff
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if check != nil {
			check()
		}

		if cond() {
			return true
		}

		b.Wait()
	}

	return false
}
