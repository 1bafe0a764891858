package worker

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
)

type reply struct {
	resp *http.Response
	err  error
}

// Envelope carries one request to a worker and its single-use reply slot.
// Exactly one Resolve call wins; the reply is never sent twice and sending
// never blocks.
type Envelope struct {
	Request *http.Request

	reply     chan reply
	once      sync.Once
	abandoned atomic.Bool
}

// NewEnvelope wraps req.
func NewEnvelope(req *http.Request) *Envelope {
	return &Envelope{Request: req, reply: make(chan reply, 1)}
}

// Resolve delivers the outcome of the request and reports whether it was
// the first to do so. A response that cannot be delivered, because the
// envelope was already resolved or its receiver gave up, has its body
// closed.
func (e *Envelope) Resolve(resp *http.Response, err error) bool {
	first := false
	e.once.Do(func() {
		first = true
		e.reply <- reply{resp: resp, err: err}
	})
	if !first {
		closeBody(resp)
		return false
	}
	if e.abandoned.Load() {
		e.discard()
	}
	return true
}

// Wait blocks for the reply. If ctx ends first the envelope is marked
// abandoned and ctx's error is returned.
func (e *Envelope) Wait(ctx context.Context) (*http.Response, error) {
	select {
	case r := <-e.reply:
		return r.resp, r.err
	case <-ctx.Done():
		e.abandoned.Store(true)
		e.discard()
		return nil, ctx.Err()
	}
}

// Abandoned reports whether the receiver stopped waiting.
func (e *Envelope) Abandoned() bool { return e.abandoned.Load() }

func (e *Envelope) discard() {
	select {
	case r := <-e.reply:
		closeBody(r.resp)
	default:
	}
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}
