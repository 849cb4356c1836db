package rest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"shardgate/internal/sequencer"
)

// queuedRequest is owned by the queue it was enqueued on until it completes.
type queuedRequest struct {
	request     *Request
	route       Route
	retriesLeft int
	attempt     int
}

// RequestQueue runs the requests of one bucket one at a time, in the order
// they were enqueued.
type RequestQueue struct {
	key string
	seq *sequencer.Sequencer

	mu            sync.Mutex
	bucket        Bucket
	inactiveSince time.Time

	// refs counts callers that hold this queue; guarded by Manager.mu.
	refs int
}

func newRequestQueue(key string, bucket Bucket) *RequestQueue {
	if bucket.Limit == 0 && bucket.Remaining == 0 && bucket.ResetAt.IsZero() {
		bucket.Limit = -1
		bucket.Remaining = 1
	}

	return &RequestQueue{
		key:           key,
		seq:           sequencer.New(),
		bucket:        bucket,
		inactiveSince: time.Now(),
	}
}

// Key is the bucket key once the bucket's hash is known, and the placeholder
// key the queue was created under before that.
func (q *RequestQueue) Key() string {
	if b := q.Bucket(); b.Hash != "" {
		return b.Key()
	}
	return q.key
}

// Bucket returns a snapshot of the queue's bucket state.
func (q *RequestQueue) Bucket() Bucket {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bucket
}

// Pending is the number of requests waiting behind the one executing.
func (q *RequestQueue) Pending() int {
	return q.seq.Remaining()
}

func (q *RequestQueue) touch() {
	q.mu.Lock()
	q.inactiveSince = time.Now()
	q.mu.Unlock()
}

func (q *RequestQueue) idleSince() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inactiveSince
}

func (q *RequestQueue) update(rl rateLimitHeaders) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if rl.hash != "" {
		q.bucket.Hash = rl.hash
	}

	if rl.hasLimit {
		q.bucket.Limit = rl.limit
		q.bucket.Remaining = rl.remaining
		q.bucket.ResetAt = time.Now().Add(rl.resetAfter)
	}
}

// block marks the bucket exhausted for d, never shortening a later reset.
func (q *RequestQueue) block(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.bucket.Remaining = 0
	if resetAt := time.Now().Add(d); resetAt.After(q.bucket.ResetAt) {
		q.bucket.ResetAt = resetAt
	}
}

func (q *RequestQueue) waitForReset(ctx context.Context) error {
	q.mu.Lock()
	wait := time.Duration(0)
	if q.bucket.Remaining <= 0 {
		wait = time.Until(q.bucket.ResetAt)
	}
	q.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	return sleep(ctx, wait)
}

// execute waits for the request's turn and runs it, retrying in place so a
// retried request keeps its position ahead of everything enqueued after it.
func (q *RequestQueue) execute(ctx context.Context, m *Manager, qr *queuedRequest) (*Response, error) {
	if err := q.seq.Wait(ctx); err != nil {
		return nil, err
	}

	defer func() {
		q.touch()
		q.seq.Release()
	}()

	log := m.log.With(zap.String("bucket", q.Key()), zap.String("route", qr.route.Key()))

	for {
		if err := m.lockout.Wait(ctx); err != nil {
			return nil, err
		}

		if err := q.waitForReset(ctx); err != nil {
			return nil, err
		}

		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		qr.attempt++
		response, err := m.transport.Do(ctx, qr.request)
		q.touch()

		if err != nil {
			if ctx.Err() != nil || qr.retriesLeft <= 0 {
				return nil, err
			}

			qr.retriesLeft--
			log.Warn("transport error, retrying", zap.Error(err), zap.Int("retries_left", qr.retriesLeft))

			if err := sleep(ctx, m.backoff(qr.attempt)); err != nil {
				return nil, err
			}
			continue
		}

		m.metrics.ObserveResponse(qr.route.Key(), response.StatusCode)

		rl := parseRateLimitHeaders(response.Header)
		q.update(rl)
		m.learn(qr.route, q)

		switch {
		case response.StatusCode == 429:
			rl.applyBody(response.Body)
			m.metrics.RateLimited(rl.global)

			if rl.global {
				if m.lockout.Set(rl.retryAfter) {
					log.Warn("global rate limit hit", zap.Duration("retry_after", rl.retryAfter))
				}
			} else {
				q.block(rl.retryAfter)
				log.Debug("bucket rate limit hit", zap.Duration("retry_after", rl.retryAfter), zap.String("scope", rl.scope))
			}

			if qr.retriesLeft <= 0 {
				return nil, &RateLimitedError{Bucket: q.Key(), RetryAfter: rl.retryAfter, Global: rl.global, Scope: rl.scope}
			}

			qr.retriesLeft--
			continue

		case response.StatusCode >= 500:
			if qr.retriesLeft <= 0 {
				return nil, &ServerError{Status: response.StatusCode, Body: response.Body}
			}

			qr.retriesLeft--
			log.Warn("server error, retrying", zap.Int("status", response.StatusCode), zap.Int("retries_left", qr.retriesLeft))

			if err := sleep(ctx, m.backoff(qr.attempt)); err != nil {
				return nil, err
			}
			continue

		case response.StatusCode >= 400:
			return nil, newClientRequestError(response)

		default:
			return response, nil
		}
	}
}

func newClientRequestError(response *Response) *ClientRequestError {
	e := &ClientRequestError{Status: response.StatusCode, Body: response.Body}

	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(response.Body, &body); err == nil {
		e.Code = body.Code
		e.Message = body.Message
	}

	return e
}
