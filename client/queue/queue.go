// Package queue buffers timer mutations while the network is down and
// replays them when it returns. The queue is durable: every change is
// persisted to the local store before control returns, so a crash
// mid-outage loses nothing.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/timersync/server/client"
	"github.com/timersync/server/client/localstore"
)

// Operation describes the network call a queued request will make.
type Operation struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// Standard operations the timer UI enqueues.
var (
	OpSync = Operation{Method: "POST", Path: "/api/timer/sync"}
	OpStop = Operation{Method: "POST", Path: "/api/timer/stop"}
)

// QueuedRequest is one pending mutation. Its ID doubles as the
// idempotency key sent to the server, so a replay after an ambiguous
// failure is a no-op if the first attempt actually landed.
type QueuedRequest struct {
	ID         string          `json:"id"`
	Operation  Operation       `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
}

// Requester executes a queued request against the network.
// *client.Client satisfies it.
type Requester interface {
	Do(ctx context.Context, method, path string, payload json.RawMessage, idempotencyKey string) error
}

// Config holds queue tuning.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryDelay: 30 * time.Second,
	}
}

// Queue is the durable offline mutation buffer.
type Queue struct {
	requester Requester
	store     *localstore.Store
	cfg       Config
	clock     clockwork.Clock

	// OnSync fires once per successfully delivered request.
	OnSync func(req QueuedRequest)
	// OnError fires exactly once per terminally abandoned request.
	OnError func(req QueuedRequest, err error)

	mu         sync.Mutex
	items      []QueuedRequest
	online     bool
	flushing   bool
	retryTimer clockwork.Timer
}

// New creates a queue, restoring any persisted items from the store.
func New(requester Requester, store *localstore.Store, cfg Config, clock clockwork.Clock) (*Queue, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	q := &Queue{
		requester: requester,
		store:     store,
		cfg:       cfg,
		clock:     clock,
		online:    true,
	}

	if store != nil {
		if _, err := store.GetJSON(context.Background(), localstore.KeyQueue, &q.items); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue appends a mutation and persists the queue immediately. If
// the queue believes it is online it attempts a flush right away.
func (q *Queue) Enqueue(ctx context.Context, op Operation, payload json.RawMessage) (QueuedRequest, error) {
	req := QueuedRequest{
		ID:         uuid.New().String(),
		Operation:  op,
		Payload:    payload,
		EnqueuedAt: q.clock.Now().UTC(),
		MaxRetries: q.cfg.MaxRetries,
	}

	q.mu.Lock()
	q.items = append(q.items, req)
	err := q.persistLocked(ctx)
	online := q.online
	q.mu.Unlock()
	if err != nil {
		return req, err
	}

	log.Debug().Str("id", req.ID).Str("path", op.Path).Msg("request enqueued")

	if online {
		q.ProcessQueue(ctx)
	}
	return req, nil
}

// SetOnline records the network status. An offline-to-online
// transition triggers an immediate flush attempt.
func (q *Queue) SetOnline(ctx context.Context, online bool) {
	q.mu.Lock()
	wasOnline := q.online
	q.online = online
	q.mu.Unlock()

	if online && !wasOnline {
		log.Debug().Msg("network restored, flushing queue")
		q.ProcessQueue(ctx)
	}
}

// ProcessQueue drains the queue serially. Only one drain runs at a
// time; overlapping triggers (reconnect, mount, scheduled retry) are
// coalesced by the guard flag. Items that fail with a retryable error
// stay queued until they exhaust MaxRetries, then are abandoned:
// removed, logged to the failed-entries key, and reported through
// OnError exactly once.
func (q *Queue) ProcessQueue(ctx context.Context) {
	q.mu.Lock()
	if q.flushing || !q.online || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	pending := make([]QueuedRequest, len(q.items))
	copy(pending, q.items)
	q.mu.Unlock()

	var remaining []QueuedRequest
	anyFailed := false

	for _, req := range pending {
		err := q.requester.Do(ctx, req.Operation.Method, req.Operation.Path, req.Payload, req.ID)
		if err == nil {
			log.Debug().Str("id", req.ID).Msg("queued request delivered")
			if q.OnSync != nil {
				q.OnSync(req)
			}
			continue
		}

		if !client.IsRetryable(err) {
			// The server answered definitively; retrying the same
			// payload cannot succeed. Abandon with a trace.
			q.abandon(ctx, req, err)
			continue
		}

		anyFailed = true
		req.RetryCount++
		if req.RetryCount >= req.MaxRetries {
			q.abandon(ctx, req, err)
			continue
		}
		remaining = append(remaining, req)
	}

	q.mu.Lock()
	// Keep anything enqueued during the drain.
	late := len(q.items) > len(pending)
	if late {
		remaining = append(remaining, q.items[len(pending):]...)
	}
	q.items = remaining
	_ = q.persistLocked(ctx)
	q.flushing = false
	q.mu.Unlock()

	if anyFailed && len(remaining) > 0 {
		q.scheduleRetry(ctx)
	} else if late {
		// A request that arrived mid-drain had its own flush attempt
		// coalesced by the guard; run another pass for it now.
		q.ProcessQueue(ctx)
	}
}

// scheduleRetry arms a fixed-delay retry after a partial-failure drain.
func (q *Queue) scheduleRetry(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retryTimer != nil {
		q.retryTimer.Stop()
	}
	q.retryTimer = q.clock.AfterFunc(q.cfg.RetryDelay, func() {
		q.ProcessQueue(ctx)
	})
}

// abandon terminally drops a request: it is never retried again, but
// its payload is preserved in the failed-entries log for manual
// recovery, and OnError fires exactly once.
func (q *Queue) abandon(ctx context.Context, req QueuedRequest, cause error) {
	log.Warn().Str("id", req.ID).Str("path", req.Operation.Path).
		Int("retries", req.RetryCount).Err(cause).Msg("abandoning queued request")

	if q.store != nil {
		failed := struct {
			QueuedRequest
			Error       string    `json:"error"`
			AbandonedAt time.Time `json:"abandoned_at"`
		}{req, cause.Error(), q.clock.Now().UTC()}
		if err := q.store.Append(ctx, localstore.KeyFailedEntries, failed); err != nil {
			log.Error().Err(err).Str("id", req.ID).Msg("failed to record abandoned request")
		}
	}

	if q.OnError != nil {
		q.OnError(req, &ExhaustedRetriesError{Request: req, Cause: cause})
	}
}

func (q *Queue) persistLocked(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	return q.store.Put(ctx, localstore.KeyQueue, q.items)
}

// ExhaustedRetriesError reports a terminally abandoned request.
type ExhaustedRetriesError struct {
	Request QueuedRequest
	Cause   error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("request %s abandoned after %d attempts: %v", e.Request.ID, e.Request.RetryCount, e.Cause)
}

func (e *ExhaustedRetriesError) Unwrap() error {
	return e.Cause
}
