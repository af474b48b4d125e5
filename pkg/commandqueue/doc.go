// Package commandqueue runs tasks in named lanes.
//
// Tasks in the same lane run one at a time in FIFO order. Tasks in
// different lanes run concurrently. A lane exists only while it has
// queued or running work.
//
// Usage:
//
//	q := commandqueue.New(commandqueue.Config{Logger: logger})
//	defer q.Close()
//	result, err := q.Enqueue(ctx, commandqueue.LaneFor(convID), func(ctx context.Context) (any, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
