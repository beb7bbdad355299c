package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-memory Queue used by component tests and by the
// contract tests proving invariants §8.1-§8.8 without a real broker.
// Grounded on the teacher's storage.MockTxStore mutex-guarded map pattern.
type MemoryQueue struct {
	mu       sync.Mutex
	queues   map[string][]inflight
	visible  map[string]*inflight // receipt -> message, hidden while in-flight
}

type inflight struct {
	msg       Message
	deadline  time.Time
	queueName string
}

// NewMemoryQueue constructs an empty in-memory queue set.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues:  make(map[string][]inflight),
		visible: make(map[string]*inflight),
	}
}

func (q *MemoryQueue) Receive(ctx context.Context, queueName string, max int, wait, visibility time.Duration) ([]Message, error) {
	deadline := time.Now().Add(wait)
	for {
		q.mu.Lock()
		q.reapExpired(queueName)
		items := q.queues[queueName]
		if len(items) > 0 {
			n := max
			if n > len(items) {
				n = len(items)
			}
			out := make([]Message, 0, n)
			taken := items[:n]
			q.queues[queueName] = items[n:]
			for _, it := range taken {
				it.deadline = time.Now().Add(visibility)
				cp := it
				q.visible[it.msg.ReceiptHandle] = &cp
				out = append(out, it.msg)
			}
			q.mu.Unlock()
			return out, nil
		}
		q.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// reapExpired returns any message whose visibility window lapsed back to
// the front of the queue. Caller must hold q.mu.
func (q *MemoryQueue) reapExpired(queueName string) {
	now := time.Now()
	for receipt, it := range q.visible {
		if it.queueName == queueName && now.After(it.deadline) {
			q.queues[queueName] = append([]inflight{*it}, q.queues[queueName]...)
			delete(q.visible, receipt)
		}
	}
}

func (q *MemoryQueue) Delete(ctx context.Context, queueName, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.visible, receipt)
	return nil
}

func (q *MemoryQueue) Send(ctx context.Context, queueName string, body []byte, attrs map[string]string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if attrs == nil {
		attrs = map[string]string{}
	}
	q.queues[queueName] = append(q.queues[queueName], inflight{
		queueName: queueName,
		msg: Message{
			Body:          body,
			Attributes:    attrs,
			ReceiptHandle: uuid.NewString(),
		},
	})
	return nil
}

func (q *MemoryQueue) SendToDLQ(ctx context.Context, queueName string, body []byte, errAttr string) error {
	return q.Send(ctx, DLQName(queueName), body, map[string]string{"error": errAttr})
}

// Depth reports the number of visible (not in-flight) messages, useful in
// tests asserting exactly-one-message-emitted scenarios (S1, S3).
func (q *MemoryQueue) Depth(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queueName])
}
