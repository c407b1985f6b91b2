package mcp

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDGeneratorStartsAtOne(t *testing.T) {
	var g IDGenerator
	assert.Equal(t, int64(0), g.Last())
	assert.Equal(t, int64(1), g.Next())
	assert.Equal(t, int64(2), g.Next())
	assert.Equal(t, int64(2), g.Last())
}

func TestIDGeneratorUniqueUnderConcurrency(t *testing.T) {
	var g IDGenerator
	const workers = 16
	const perWorker = 500

	ids := make(chan int64, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ids <- g.Next()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, workers*perWorker)
	for id := range ids {
		assert.False(t, seen[id], "id %d issued twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers*perWorker)
}
