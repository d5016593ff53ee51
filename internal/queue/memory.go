package queue

import (
	"context"
	"fmt"
	"sync"
)

// MemoryQueue keeps streams in process. IDs follow the Redis "<n>-0" shape.
type MemoryQueue struct {
	mu      sync.Mutex
	seq     uint64
	streams map[string][]Message
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{streams: make(map[string][]Message)}
}

func (q *MemoryQueue) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	id := fmt.Sprintf("%d-0", q.seq)
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	q.streams[stream] = append(q.streams[stream], Message{ID: id, Fields: copied})
	return id, nil
}

func (q *MemoryQueue) ReadAfter(ctx context.Context, stream, after string, count int64) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Message
	for _, m := range q.streams[stream] {
		cmp, err := CompareIDs(m.ID, after)
		if err != nil {
			return nil, err
		}
		if cmp <= 0 {
			continue
		}
		out = append(out, m)
		if count > 0 && int64(len(out)) == count {
			break
		}
	}
	return out, nil
}

// Entries returns a snapshot of every entry in stream.
func (q *MemoryQueue) Entries(stream string) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.streams[stream]...)
}

func (q *MemoryQueue) Len(ctx context.Context, stream string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.streams[stream])), nil
}
