// Package flight runs one shared call per key on behalf of any number of
// waiting callers. The shared call runs on its own context: one waiter
// giving up does not fail the others, and the call is canceled only when
// every waiter has left.
package flight

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Group deduplicates calls by key. The zero value is ready to use.
type Group struct {
	sf singleflight.Group

	mu    sync.Mutex
	calls map[string]*call
	seq   uint64
}

// call is one execution of fn. id is unique per execution so a finished
// singleflight slot is never reused for a later call.
type call struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Do runs fn once for all concurrent callers with the same key and returns
// its result. fn receives a context that carries ctx's values but is
// canceled only when every caller waiting on it has returned. A caller whose
// ctx ends first returns ctx.Err() without affecting the others. shared
// reports whether the result was delivered to more than one caller.
func (g *Group) Do(
	ctx context.Context, key string, fn func(ctx context.Context) (any, error),
) (v any, shared bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	g.mu.Lock()

	if g.calls == nil {
		g.calls = make(map[string]*call)
	}

	c := g.calls[key]
	if c == nil {
		g.seq++
		cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &call{id: key + "#" + strconv.FormatUint(g.seq, 10), ctx: cctx, cancel: cancel}
		g.calls[key] = c
	}

	c.waiters++

	// Joined under mu: finish also takes mu, so c is either still running
	// here or already gone from calls.
	ch := g.sf.DoChan(c.id, func() (any, error) {
		defer g.finish(key, c)
		return fn(c.ctx)
	})

	g.mu.Unlock()

	select {
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		g.leave(key, c)
		return nil, false, ctx.Err()
	}
}

// Forget makes the next Do for key start a new call. Callers already
// waiting keep waiting on the old one.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.calls, key)
}

func (g *Group) finish(key string, c *call) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.calls[key] == c {
		delete(g.calls, key)
	}

	c.cancel()
}

func (g *Group) leave(key string, c *call) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c.waiters--
	if c.waiters > 0 {
		return
	}

	// Nobody is left to use the result.
	if g.calls[key] == c {
		delete(g.calls, key)
	}

	c.cancel()
}
