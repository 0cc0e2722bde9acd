// Copyright (c) 2021 lanyeeee. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package kuri3

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoopWakeupFromIdle(t *testing.T) {
	loop := New()
	defer loop.Close()

	var slot int32
	go loop.AddExtraFunc(func() {
		atomic.StoreInt32(&slot, 42)
		loop.Quit()
	})

	loop.Loop()
	assert.EqualValues(t, 42, atomic.LoadInt32(&slot))
	assert.GreaterOrEqual(t, loop.LoopNum(), int64(1))
}

func TestEventLoopExtraFuncsFIFO(t *testing.T) {
	loop := New()
	defer loop.Close()

	const numTasks = 10000
	got := make([]int, 0, numTasks)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numTasks; i++ {
			i := i
			loop.AddExtraFunc(func() { got = append(got, i) })
		}
		loop.AddExtraFunc(loop.Quit)
	}()
	wg.Wait()
	require.Equal(t, numTasks+1, loop.ExtraFuncsNum())

	loop.Loop()

	require.Len(t, got, numTasks)
	for i, v := range got {
		if v != i {
			t.Fatalf("task order broken at %d: got %d", i, v)
		}
	}
	// A single wake-up drains the whole backlog in one iteration.
	assert.EqualValues(t, 1, loop.LoopNum())
}

func TestEventLoopRunIsSynchronousOnOwnerThread(t *testing.T) {
	loop := New()
	defer loop.Close()

	ran := false
	loop.Run(func() { ran = true })
	assert.True(t, ran)
	assert.Zero(t, loop.ExtraFuncsNum())
}

func TestEventLoopExtraFuncDuringDrainRunsNextIteration(t *testing.T) {
	loop := New()
	defer loop.Close()

	var order []int
	go loop.AddExtraFunc(func() {
		order = append(order, 1)
		// Enqueued from the owner thread inside the drain: needs the
		// extra wake-up or it would sleep a full poll timeout.
		loop.AddExtraFunc(func() {
			order = append(order, 2)
			loop.Quit()
		})
	})

	start := time.Now()
	loop.Loop()

	assert.Equal(t, []int{1, 2}, order)
	assert.EqualValues(t, 2, loop.LoopNum())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEventLoopQuitFromForeignThread(t *testing.T) {
	loop := New()
	defer loop.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		loop.Quit()
	}()

	start := time.Now()
	loop.Loop()
	// The foreign Quit wakes the poll instead of waiting out the timeout.
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEventLoopCurrentLoop(t *testing.T) {
	assert.Nil(t, CurrentLoop())

	loop := New()
	assert.Same(t, loop, CurrentLoop())
	assert.True(t, loop.InLoopThread())

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Nil(t, CurrentLoop())
		assert.False(t, loop.InLoopThread())
	}()
	<-done

	loop.Close()
	assert.Nil(t, CurrentLoop())
}

func TestEventLoopRunFromForeignThreadLandsOnOwner(t *testing.T) {
	loop := New()
	defer loop.Close()

	var ranOnOwner bool
	go loop.Run(func() {
		ranOnOwner = loop.InLoopThread()
		loop.Quit()
	})

	loop.Loop()
	assert.True(t, ranOnOwner)
}
