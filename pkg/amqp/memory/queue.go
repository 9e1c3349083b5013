package memory

import (
	"context"
	"sync"

	"github.com/benmeehan/iothub-amqp/pkg/amqp"
)

type queue struct {
	mu     sync.Mutex
	items  []*amqp.Message
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(msg *amqp.Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.notify()
}

func (q *queue) pushFront(msg *amqp.Message) {
	q.mu.Lock()
	q.items = append([]*amqp.Message{msg}, q.items...)
	q.mu.Unlock()
	q.notify()
}

func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// pop blocks until a message is available or ctx is done.
func (q *queue) pop(ctx context.Context) (*amqp.Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				q.notify()
			}
			return msg, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}
