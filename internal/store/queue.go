package store

import "sync"

// eventQueue decouples event producers from the subscriber reading
// Subscription.C. Producers append without blocking and nothing is ever
// discarded; a pump goroutine feeds the out channel at the consumer's pace.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	closed bool
	done   chan struct{}
	out    chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		done: make(chan struct{}),
		out:  make(chan Event),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	if !q.closed {
		q.events = append(q.events, ev)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

// close stops delivery. Queued events not yet taken by the consumer are
// discarded; close is idempotent.
func (q *eventQueue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

func (q *eventQueue) pump() {
	for {
		q.mu.Lock()
		for len(q.events) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			close(q.out)
			return
		}
		ev := q.events[0]
		q.events = q.events[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.done:
			close(q.out)
			return
		}
	}
}
