package dispatch

// asyncQueue is a FIFO of turns. The head of the queue holds the turn; its
// channel is closed when it reaches the head. asyncQueue is not safe for
// concurrent use; bucketQueue guards it with its mutex.
type asyncQueue struct {
	waiters []chan struct{}
}

func newAsyncQueue() *asyncQueue {
	return &asyncQueue{}
}

// wait appends a waiter and returns its channel, already closed when the
// queue was empty.
func (a *asyncQueue) wait() chan struct{} {
	ch := make(chan struct{})
	a.waiters = append(a.waiters, ch)
	if len(a.waiters) == 1 {
		close(ch)
	}
	return ch
}

// shift drops the head and hands the turn to the next waiter.
func (a *asyncQueue) shift() {
	if len(a.waiters) == 0 {
		return
	}
	a.waiters[0] = nil
	a.waiters = a.waiters[1:]
	if len(a.waiters) > 0 {
		close(a.waiters[0])
	}
}

// cancel removes ch from the queue. Cancelling the head is a shift.
func (a *asyncQueue) cancel(ch chan struct{}) {
	for i, w := range a.waiters {
		if w != ch {
			continue
		}
		if i == 0 {
			a.shift()
			return
		}
		a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
		return
	}
}

// remaining counts the holder plus every waiter.
func (a *asyncQueue) remaining() int {
	return len(a.waiters)
}
