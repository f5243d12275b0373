package hostfunc

import (
	"context"
	"time"
)

const DefaultPipeCapacity = 99

// BlockingQueue is a bounded FIFO shared by any number of goroutines.
// Blocking calls only block the calling invocation.
type BlockingQueue struct {
	ctx   context.Context
	items chan any
}

func NewBlockingQueue(capacity int) *BlockingQueue {
	return &BlockingQueue{ctx: context.Background(), items: make(chan any, capacity)}
}

// bind returns a view of q whose blocking calls also end with ctx.
func (q *BlockingQueue) bind(ctx context.Context) *BlockingQueue {
	return &BlockingQueue{ctx: ctx, items: q.items}
}

// Put adds input, waiting up to timeout milliseconds for space.
func (q *BlockingQueue) Put(input any, timeout int64) error {
	if input == nil {
		return invalidArgs("bqueue", "input required")
	}
	input = cloneValue(input)
	if timeout <= 0 {
		select {
		case q.items <- input:
			return nil
		default:
			return timeoutErr("bqueue", "queue full")
		}
	}
	t := time.NewTimer(millis(timeout))
	defer t.Stop()
	select {
	case q.items <- input:
		return nil
	case <-t.C:
		return timeoutErr("bqueue", "queue full")
	case <-q.ctx.Done():
		return &Error{Kind: KindTimeout, Op: "bqueue", Cause: q.ctx.Err()}
	}
}

// Poll removes the head item, waiting up to timeout milliseconds. It
// returns nil when nothing arrived in time.
func (q *BlockingQueue) Poll(timeout int64) any {
	if timeout <= 0 {
		select {
		case v := <-q.items:
			return v
		default:
			return nil
		}
	}
	t := time.NewTimer(millis(timeout))
	defer t.Stop()
	select {
	case v := <-q.items:
		return v
	case <-t.C:
		return nil
	case <-q.ctx.Done():
		return nil
	}
}

// Drain waits up to timeout milliseconds for one item, then takes up to
// size items that are already queued.
func (q *BlockingQueue) Drain(size int64, timeout int64) []any {
	if size <= 0 {
		return []any{}
	}
	first := q.Poll(timeout)
	if first == nil {
		return []any{}
	}
	out := []any{first}
	for int64(len(out)) < size {
		select {
		case v := <-q.items:
			out = append(out, v)
		default:
			return out
		}
	}
	return out
}

func (q *BlockingQueue) Size() int { return len(q.items) }

func (q *BlockingQueue) Capacity() int { return cap(q.items) }
