package execctx

import (
	"fmt"
	"sync"
)

// Pool is the process-wide table of execution contexts, keyed by
// (user, host, port, host-key-options) identity (spec.md §3). It returns
// the existing Context for a repeated key and dials a new one otherwise.
// Lifetime = process lifetime (spec.md §9: model process-wide mutable
// state as an explicit service passed through call sites, not a package
// global with implicit lifetime).
type Pool struct {
	mu    sync.Mutex
	byKey map[string]Context
}

// NewPool creates an empty Pool.
func NewPool() *Pool {
	return &Pool{byKey: make(map[string]Context)}
}

// Local returns the shared local Context. It is not pooled by key — there
// is exactly one local machine.
func (p *Pool) Local() Context {
	return Local
}

// Remote returns the pooled Context for params, dialing a new SSH
// connection only if this is the first request for that identity.
func (p *Pool) Remote(params SSHParams) (Context, error) {
	// The pool key extends user@host:port with the host-key options, so
	// paths that differ only in host-key handling get separate contexts.
	key := fmt.Sprintf("%s|%s|%t", params.key(), params.KnownHostsFile, params.InsecureIgnoreHostKey)

	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx, ok := p.byKey[key]; ok {
		return ctx, nil
	}

	ctx, err := Dial(params)
	if err != nil {
		return nil, err
	}
	p.byKey[key] = ctx
	return ctx, nil
}

// CloseAll closes every pooled remote context. Call once at process
// shutdown — secure-shell contexts remain open across commands within a
// run and are released at process end (spec.md §5).
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ctx := range p.byKey {
		_ = ctx.Close()
	}
	p.byKey = make(map[string]Context)
}
