package mq

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

const memoryBuffer = 256

// MemoryBroker delivers messages between goroutines of one process. Each
// channel is a single queue shared by its subscribers; a failed message is
// retried once.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]chan memoryDelivery
	closed bool
}

type memoryDelivery struct {
	msg      Message
	attempts int
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: map[string]chan memoryDelivery{}}
}

func (b *MemoryBroker) queue(channel string) (chan memoryDelivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("memory broker closed")
	}
	q, ok := b.queues[channel]
	if !ok {
		q = make(chan memoryDelivery, memoryBuffer)
		b.queues[channel] = q
	}
	return q, nil
}

func (b *MemoryBroker) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("memory channel is required")
	}
	q, err := b.queue(channel)
	if err != nil {
		return "", err
	}
	id := ulid.Make().String()
	select {
	case q <- memoryDelivery{msg: Message{ID: id, Data: data, Attributes: attrs}}:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *MemoryBroker) Subscribe(ctx context.Context, channel string, handler Handler) error {
	q, err := b.queue(channel)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-q:
			if err := handler(ctx, d.msg); err != nil && d.attempts == 0 {
				d.attempts++
				select {
				case q <- d:
				default:
				}
			}
		}
	}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
