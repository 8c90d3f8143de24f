package post

import (
	"sync"

	"github.com/xiaonanln/netsync/engine/nsutil"
)

// PostCallback is the type of functions to be posted
type PostCallback func()

// Queue holds callbacks to be run when the owning session ticks
type Queue struct {
	callbacks []PostCallback
	lock      sync.Mutex
}

// Post a callback which will be executed when the queue is ticked
//
// Post might be called from transport goroutines, so we use a lock to protect the data
func (q *Queue) Post(f PostCallback) {
	q.lock.Lock()
	q.callbacks = append(q.callbacks, f)
	q.lock.Unlock()
}

// Len returns the number of pending callbacks
func (q *Queue) Len() int {
	q.lock.Lock()
	n := len(q.callbacks)
	q.lock.Unlock()
	return n
}

// Tick runs the callbacks which were posted before Tick was called and returns how many ran.
//
// Callbacks posted while ticking are kept for the next Tick, so a callback posting itself runs once per tick.
func (q *Queue) Tick() int {
	q.lock.Lock() // switch callbacks in locked section
	callbacksCopy := q.callbacks
	q.callbacks = nil
	q.lock.Unlock()

	for _, f := range callbacksCopy {
		nsutil.RunPanicless(f)
	}
	return len(callbacksCopy)
}
