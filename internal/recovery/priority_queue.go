package recovery

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arcsign/withdrawalengine/internal/model"
)

// ErrQueueFull is returned by PriorityQueue.Push when maxQueueSize would
// be exceeded; spec.md §4.8 requires the bounded insert to fail loudly.
var ErrQueueFull = fmt.Errorf("recovery: priority queue is full")

// PriorityQueue is a bounded, priority-ordered slice of PriorityMessage,
// insertion-sorted by binary search per spec.md §4.8. Grounded on no
// single teacher file (the pack carries no priority queue); built on
// the standard library's sort.Search, justified in DESIGN.md since
// nothing in the pack's dependency surface supplies an ordered-insert
// container and the queue never exceeds maxQueueSize (default 1000).
type PriorityQueue struct {
	mu       sync.Mutex
	items    []*model.PriorityMessage
	maxSize  int
}

// NewPriorityQueue constructs a bounded PriorityQueue.
func NewPriorityQueue(maxSize int) *PriorityQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &PriorityQueue{maxSize: maxSize}
}

// queueBonus is the queue-type bonus of spec.md §4.8's dynamic priority
// formula.
func queueBonus(origin model.QueueTag) int {
	switch origin {
	case model.QueueBroadcastTx:
		return 2
	case model.QueueSignedTx:
		return 1
	default:
		return 0
	}
}

// ageBonus is the age-based bonus of spec.md §4.8.
func ageBonus(age time.Duration) int {
	switch {
	case age > 60*time.Minute:
		return 3
	case age > 30*time.Minute:
		return 2
	case age > 10*time.Minute:
		return 1
	default:
		return 0
	}
}

// ComputePriority implements spec.md §4.8's dynamic priority formula:
// base + queue-type bonus + age bonus, clamped to CRITICAL.
func ComputePriority(base model.Priority, origin model.QueueTag, age time.Duration) int {
	p := int(base) + queueBonus(origin) + ageBonus(age)
	if p > int(model.PriorityCritical) {
		p = int(model.PriorityCritical)
	}
	return p
}

// Push inserts msg in priority order (binary search), highest priority
// first. Returns ErrQueueFull without mutating the queue if it is at
// capacity.
func (q *PriorityQueue) Push(msg *model.PriorityMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		return ErrQueueFull
	}

	idx := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].Priority < msg.Priority
	})
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = msg
	return nil
}

// Pop removes and returns the highest-priority message that is ready
// (RetryAfter unset or already elapsed). Returns nil, false if no item
// is currently ready.
func (q *PriorityQueue) Pop(now time.Time) (*model.PriorityMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.RetryAfter == nil || !item.RetryAfter.After(now) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return item, true
		}
	}
	return nil, false
}

// ScheduleRetry sets retryAfter = now + delay on the message without
// reordering it (spec.md §4.8); the caller re-Pushes if it was popped,
// or mutates the in-place pointer if still queued.
func ScheduleRetry(msg *model.PriorityMessage, now time.Time, delay time.Duration) {
	t := now.Add(delay)
	msg.RetryAfter = &t
}

// Len reports the current queue depth.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
