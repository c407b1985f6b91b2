package transport

import (
	"context"
	"sync"
	"time"

	"github.com/castlelab/gambit/pkg/errs"
	"github.com/castlelab/gambit/pkg/mcp"
	"github.com/castlelab/gambit/pkg/metrics"
)

// pendingResult is what a pending slot resolves to. Exactly one field is set.
type pendingResult struct {
	resp *mcp.JSONRPCResponse
	err  error
}

// pendingTable maps in-flight request ids to the channel their caller
// awaits. Safe for concurrent add, remove and resolve. Once failAll has run
// the table is closed: add hands back a slot that is already failed, so a
// sender racing a close never hangs.
type pendingTable struct {
	mu     sync.Mutex
	slots  map[int64]chan pendingResult
	closed error
}

func newPendingTable() *pendingTable {
	return &pendingTable{slots: make(map[int64]chan pendingResult)}
}

// add registers id and returns the buffered channel its result arrives on.
func (t *pendingTable) add(id int64) chan pendingResult {
	ch := make(chan pendingResult, 1)
	t.mu.Lock()
	if t.closed != nil {
		err := t.closed
		t.mu.Unlock()
		ch <- pendingResult{err: err}
		return ch
	}
	t.slots[id] = ch
	t.mu.Unlock()
	return ch
}

// remove drops id without resolving it, so a late response for the id is
// discarded instead of waking a caller that already gave up.
func (t *pendingTable) remove(id int64) {
	t.mu.Lock()
	delete(t.slots, id)
	t.mu.Unlock()
}

// resolve completes id with a response. False means no slot was waiting,
// which is how the response for an already timed-out request lands.
func (t *pendingTable) resolve(id int64, resp *mcp.JSONRPCResponse) bool {
	return t.complete(id, pendingResult{resp: resp})
}

// fail completes id with an error.
func (t *pendingTable) fail(id int64, err error) bool {
	return t.complete(id, pendingResult{err: err})
}

func (t *pendingTable) complete(id int64, res pendingResult) bool {
	t.mu.Lock()
	ch, ok := t.slots[id]
	if ok {
		delete(t.slots, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// failAll fails every outstanding slot and closes the table, so subsequent
// adds fail immediately with the same error.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	if t.closed != nil {
		t.mu.Unlock()
		return
	}
	t.closed = err
	slots := t.slots
	t.slots = make(map[int64]chan pendingResult)
	t.mu.Unlock()
	for _, ch := range slots {
		ch <- pendingResult{err: err}
	}
}

// size reports the number of requests still awaiting a response.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// Pending is the caller's handle to one in-flight request. Await consumes
// it; a handle must not be awaited twice.
type Pending struct {
	id        int64
	method    string
	sessionID string
	start     time.Time
	ch        chan pendingResult
	table     *pendingTable
	timeout   time.Duration
	metrics   *metrics.Metrics
}

// ID returns the request id this handle awaits.
func (p *Pending) ID() int64 { return p.id }

// Await blocks until the response arrives, the timeout elapses or ctx is
// cancelled. A zero timeout uses the connection default. On timeout the
// pending entry is removed, so a response arriving later is silently
// dropped, and the error is *errs.RequestTimeout.
func (p *Pending) Await(ctx context.Context, timeout time.Duration) (*mcp.JSONRPCResponse, error) {
	if timeout <= 0 {
		timeout = p.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.ch:
		if res.err != nil {
			p.metrics.RPCDone(p.method, "error", p.start)
			return nil, res.err
		}
		p.metrics.RPCDone(p.method, "ok", p.start)
		return res.resp, nil
	case <-timer.C:
		p.table.remove(p.id)
		p.metrics.RPCDone(p.method, "timeout", p.start)
		return nil, errs.NewRequestTimeout(p.sessionID, p.id, timeout)
	case <-ctx.Done():
		p.table.remove(p.id)
		p.metrics.RPCDone(p.method, "error", p.start)
		return nil, ctx.Err()
	}
}
