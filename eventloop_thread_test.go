// Copyright (c) 2021 lanyeeee. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package kuri3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoopThreadStartPublishesLoop(t *testing.T) {
	worker := NewEventLoopThread(nil, "worker-0")
	loop := worker.Start()
	require.NotNil(t, loop)
	assert.Equal(t, "worker-0", worker.Name())

	// The loop lives on the worker's thread, not the caller's.
	assert.False(t, loop.InLoopThread())

	done := make(chan struct{})
	loop.Run(func() {
		assert.True(t, loop.InLoopThread())
		assert.Same(t, loop, CurrentLoop())
		close(done)
	})
	<-done

	worker.Stop()
	worker.Stop() // joining twice is harmless
}

func TestEventLoopThreadInitCallback(t *testing.T) {
	initDone := make(chan *EventLoop, 1)
	worker := NewEventLoopThread(func(loop *EventLoop) { initDone <- loop }, "worker-init")
	loop := worker.Start()
	assert.Same(t, loop, <-initDone)
	worker.Stop()
}

func TestEventLoopThreadStopNeverStarted(t *testing.T) {
	worker := NewEventLoopThread(nil, "worker-idle")
	assert.NotPanics(t, worker.Stop)
}
