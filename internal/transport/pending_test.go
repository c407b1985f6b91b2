package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/castlelab/gambit/pkg/errs"
	"github.com/castlelab/gambit/pkg/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPending(tbl *pendingTable, id int64, timeout time.Duration) *Pending {
	return &Pending{
		id:        id,
		method:    "ping",
		sessionID: "sess-1",
		start:     time.Now(),
		ch:        tbl.add(id),
		table:     tbl,
		timeout:   timeout,
	}
}

func TestPendingTable_ResolvesByID(t *testing.T) {
	tbl := newPendingTable()
	ch1 := tbl.add(1)
	ch2 := tbl.add(2)

	resp2 := &mcp.JSONRPCResponse{JSONRPCBaseResult: mcp.JSONRPCBaseResult{JSONRPC: mcp.JSONRPCVersion, ID: int64(2)}}
	require.True(t, tbl.resolve(2, resp2))

	select {
	case res := <-ch2:
		require.NoError(t, res.err)
		assert.Equal(t, int64(2), res.resp.ID)
	default:
		t.Fatal("slot 2 not resolved")
	}

	// slot 1 is untouched by slot 2's response
	select {
	case <-ch1:
		t.Fatal("slot 1 resolved without a response")
	default:
	}
	assert.Equal(t, 1, tbl.size())
}

func TestPendingTable_RemoveDropsLateResponse(t *testing.T) {
	tbl := newPendingTable()
	tbl.add(5)
	tbl.remove(5)

	assert.False(t, tbl.resolve(5, &mcp.JSONRPCResponse{}))
	assert.False(t, tbl.fail(5, errs.NewConnectionClosed("sess-1")))
	assert.Equal(t, 0, tbl.size())
}

func TestPendingTable_FailAll(t *testing.T) {
	tbl := newPendingTable()
	ch1 := tbl.add(1)
	ch2 := tbl.add(2)

	tbl.failAll(errs.NewConnectionClosed("sess-1"))

	var ce *errs.ConnectionError
	require.ErrorAs(t, (<-ch1).err, &ce)
	require.ErrorAs(t, (<-ch2).err, &ce)
	assert.Equal(t, 0, tbl.size())

	// a second failAll is a no-op
	tbl.failAll(errs.NewConnectionClosed("sess-1"))

	// adds after close come back pre-failed
	late := tbl.add(3)
	require.ErrorAs(t, (<-late).err, &ce)
	assert.Equal(t, 0, tbl.size())
}

func TestPendingTable_ConcurrentAddResolve(t *testing.T) {
	tbl := newPendingTable()
	var wg sync.WaitGroup
	for i := int64(1); i <= 64; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			ch := tbl.add(id)
			resp := &mcp.JSONRPCResponse{JSONRPCBaseResult: mcp.JSONRPCBaseResult{ID: id}}
			assert.True(t, tbl.resolve(id, resp))
			res := <-ch
			assert.NoError(t, res.err)
			assert.Equal(t, id, res.resp.ID)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, tbl.size())
}

func TestPending_AwaitResolved(t *testing.T) {
	tbl := newPendingTable()
	p := newTestPending(tbl, 1, time.Second)

	go func() {
		time.Sleep(10 * time.Millisecond)
		tbl.resolve(1, &mcp.JSONRPCResponse{JSONRPCBaseResult: mcp.JSONRPCBaseResult{ID: int64(1)}})
	}()

	resp, err := p.Await(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.ID)
}

func TestPending_AwaitTimeoutRemovesEntry(t *testing.T) {
	tbl := newPendingTable()
	p := newTestPending(tbl, 7, time.Second)

	start := time.Now()
	_, err := p.Await(context.Background(), 100*time.Millisecond)

	var te *errs.RequestTimeout
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int64(7), te.RequestID)
	assert.Equal(t, 100*time.Millisecond, te.Timeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// the entry is gone, so a late response is silently dropped
	assert.Equal(t, 0, tbl.size())
	assert.False(t, tbl.resolve(7, &mcp.JSONRPCResponse{}))
}

func TestPending_AwaitZeroTimeoutUsesDefault(t *testing.T) {
	tbl := newPendingTable()
	p := newTestPending(tbl, 8, 50*time.Millisecond)

	_, err := p.Await(context.Background(), 0)

	var te *errs.RequestTimeout
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 50*time.Millisecond, te.Timeout)
}

func TestPending_AwaitContextCancel(t *testing.T) {
	tbl := newPendingTable()
	p := newTestPending(tbl, 9, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Await(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, tbl.size())
}

func TestPending_AwaitError(t *testing.T) {
	tbl := newPendingTable()
	p := newTestPending(tbl, 10, time.Second)

	tbl.fail(10, errs.NewProtocolError(10, -32601, "method not found", nil))

	_, err := p.Await(context.Background(), 0)
	var pe *errs.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, -32601, pe.Code)
}
