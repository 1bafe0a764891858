package pool

import (
	"context"
	"net/http"

	"github.com/seantiz/kiln/internal/model"
)

// bindings expose the pool to main-worker scripts. Workers created from
// script are always user workers.
type bindings struct {
	p *Pool
}

func (b bindings) CreateWorker(ctx context.Context, raw []byte) (string, error) {
	opts, err := DecodeCreateOptions(raw, b.p.defaults)
	if err != nil {
		return "", err
	}
	opts.Kind = model.KindUser
	key, err := b.p.CreateWorker(ctx, opts)
	return string(key), err
}

func (b bindings) Fetch(ctx context.Context, key string, req *http.Request) (*http.Response, error) {
	return b.p.SendRequest(ctx, model.WorkerKey(key), req)
}
