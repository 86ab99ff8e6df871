package render_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localgram/render"
)

func TestChannelLockSerializes(t *testing.T) {
	gate := render.NewGate()

	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gate.WithChannelLock(1, func() error {
				current := atomic.AddInt32(&active, 1)
				for {
					max := atomic.LoadInt32(&maxActive)
					if current <= max || atomic.CompareAndSwapInt32(&maxActive, max, current) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive), "renders for the same channel must never interleave")
}

func TestCrossChannelConcurrency(t *testing.T) {
	gate := render.NewGate()

	holdingA := make(chan struct{})
	releaseA := make(chan struct{})

	go gate.WithChannelLock(1, func() error {
		close(holdingA)
		<-releaseA
		return nil
	})

	<-holdingA

	// Channel B must not queue behind channel A's render
	done := make(chan struct{})
	go func() {
		gate.WithChannelLock(2, func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("render for channel 2 blocked behind channel 1")
	}

	close(releaseA)
}

func TestIndexLockSeparateDomain(t *testing.T) {
	gate := render.NewGate()

	holding := make(chan struct{})
	release := make(chan struct{})

	go gate.WithChannelLock(1, func() error {
		close(holding)
		<-release
		return nil
	})

	<-holding

	done := make(chan struct{})
	go func() {
		gate.WithIndexLock(func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("index render blocked behind a channel render")
	}

	close(release)
}

func TestLockReleasedOnError(t *testing.T) {
	gate := render.NewGate()

	err := gate.WithChannelLock(1, func() error {
		return assert.AnError
	})
	require.Error(t, err)

	// The lock must be free again after a failed render
	done := make(chan struct{})
	go func() {
		gate.WithChannelLock(1, func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock not released after error")
	}
}
