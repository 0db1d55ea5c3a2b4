package write

import (
	"context"
	"sync"

	"memloom/internal/logging"
	"memloom/internal/types"
)

// BackpressureMode selects what Submit does when a project's channel is full.
type BackpressureMode string

const (
	// ModeBlock makes Submit wait (bounded by its context) for space.
	ModeBlock BackpressureMode = "block"
	// ModeReject makes Submit fail fast with ErrQueueFull.
	ModeReject BackpressureMode = "reject"
)

// Queue fans intents out to one ordered channel per project. Intents for the
// same project are handed to the handler strictly in enqueue order; different
// projects drain concurrently. Depth bounds each project channel.
type Queue struct {
	depth   int
	mode    BackpressureMode
	handler func(*types.WriteIntent)

	mu       sync.Mutex
	projects map[string]chan *types.WriteIntent
	closed   bool
	wg       sync.WaitGroup
}

// NewQueue creates the queue. handler runs on a dedicated goroutine per
// project and must not panic; it is called once per intent, in order.
func NewQueue(depth int, mode BackpressureMode, handler func(*types.WriteIntent)) *Queue {
	if depth <= 0 {
		depth = 256
	}
	if mode != ModeReject {
		mode = ModeBlock
	}
	return &Queue{
		depth:    depth,
		mode:     mode,
		handler:  handler,
		projects: make(map[string]chan *types.WriteIntent),
	}
}

// Enqueue places the intent on its project's channel. In block mode a full
// channel makes this wait until space frees or ctx expires; in reject mode
// it returns ErrQueueFull immediately.
func (q *Queue) Enqueue(ctx context.Context, intent *types.WriteIntent) error {
	ch, err := q.channelFor(intent.ProjectID)
	if err != nil {
		return err
	}

	if q.mode == ModeReject {
		select {
		case ch <- intent:
			return nil
		default:
			logging.Queue("Rejecting intent %s: project %s queue full", intent.IntentID, intent.ProjectID)
			return types.ErrQueueFull
		}
	}

	select {
	case ch <- intent:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// channelFor returns the project's channel, creating it and its drain
// goroutine on first use.
func (q *Queue) channelFor(projectID string) (chan *types.WriteIntent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, types.ErrQueueClosed
	}
	ch, ok := q.projects[projectID]
	if ok {
		return ch, nil
	}

	ch = make(chan *types.WriteIntent, q.depth)
	q.projects[projectID] = ch

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for intent := range ch {
			q.handler(intent)
		}
	}()

	logging.QueueDebug("Opened write queue for project %s (depth=%d mode=%s)", projectID, q.depth, q.mode)
	return ch, nil
}

// Depths reports the current backlog per project.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]int, len(q.projects))
	for project, ch := range q.projects {
		out[project] = len(ch)
	}
	return out
}

// Close stops accepting intents, drains every project channel, and waits for
// in-flight handlers. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, ch := range q.projects {
		close(ch)
	}
	q.mu.Unlock()

	q.wg.Wait()
	logging.Queue("Write queue closed")
}
