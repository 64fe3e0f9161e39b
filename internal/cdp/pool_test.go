package cdp

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasks(t *testing.T) {
	p := newWorkerPool(4, 16)
	var n atomic.Int32
	for i := 0; i < 10; i++ {
		require.True(t, p.submit(func() { n.Add(1) }))
	}
	p.stop()
	assert.Equal(t, int32(10), n.Load())
}

func TestPoolRejectsWhenFull(t *testing.T) {
	p := newWorkerPool(1, 1)
	block := make(chan struct{})
	started := make(chan struct{})

	require.True(t, p.submit(func() { close(started); <-block }))
	<-started
	require.True(t, p.submit(func() {}))
	assert.False(t, p.submit(func() {}))

	close(block)
	p.stop()
}

func TestPoolRejectsAfterStop(t *testing.T) {
	p := newWorkerPool(2, 2)
	p.stop()
	assert.False(t, p.submit(func() {}))
	// 重复停止无副作用
	p.stop()
}

func TestPoolStopDrainsQueue(t *testing.T) {
	p := newWorkerPool(1, 8)
	block := make(chan struct{})
	var n atomic.Int32
	require.True(t, p.submit(func() { <-block }))
	for i := 0; i < 5; i++ {
		require.True(t, p.submit(func() { n.Add(1) }))
	}

	done := make(chan struct{})
	go func() { p.stop(); close(done) }()
	time.Sleep(10 * time.Millisecond)
	close(block)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
	assert.Equal(t, int32(5), n.Load())
}
