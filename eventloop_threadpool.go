// Copyright (c) 2021 lanyeeee. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package kuri3

import (
	"fmt"
	"math/rand"
)

// EventLoopThreadPool starts N worker threads each running one EventLoop
// and hands loops out round-robin or at random. With zero workers every
// pick falls back to the base loop, so callers never receive nil.
type EventLoopThreadPool struct {
	baseLoop *EventLoop
	name     string
	started  bool
	num      int
	next     int
	threads  []*EventLoopThread
	loops    []*EventLoop
}

// NewEventLoopThreadPool creates a pool around the caller's base loop.
// Worker names derive from name.
func NewEventLoopThreadPool(baseLoop *EventLoop, name string) *EventLoopThreadPool {
	return &EventLoopThreadPool{baseLoop: baseLoop, name: name}
}

// SetThreadNum configures the worker count; it must precede Start.
func (pool *EventLoopThreadPool) SetThreadNum(num int) { pool.num = num }

// Start spawns the workers and blocks until every worker's loop is
// published. initCallback, when non-nil, runs on each fresh loop; with
// zero workers it runs on the base loop instead.
func (pool *EventLoopThreadPool) Start(initCallback func(*EventLoop)) {
	pool.baseLoop.AssertInLoopThread()
	pool.started = true

	for i := 0; i < pool.num; i++ {
		t := NewEventLoopThread(initCallback, fmt.Sprintf("%s%d", pool.name, i))
		pool.threads = append(pool.threads, t)
		pool.loops = append(pool.loops, t.Start())
	}
	if pool.num == 0 && initCallback != nil {
		initCallback(pool.baseLoop)
	}
}

// NextLoop picks a worker loop round-robin, or the base loop when the
// pool has no workers.
func (pool *EventLoopThreadPool) NextLoop() *EventLoop {
	pool.baseLoop.AssertInLoopThread()
	loop := pool.baseLoop

	if len(pool.loops) > 0 {
		loop = pool.loops[pool.next]
		if pool.next++; pool.next >= len(pool.loops) {
			pool.next = 0
		}
	}
	return loop
}

// RandomLoop picks a worker loop uniformly at random, falling back to the
// base loop when the pool has no workers.
func (pool *EventLoopThreadPool) RandomLoop() *EventLoop {
	pool.baseLoop.AssertInLoopThread()
	if len(pool.loops) > 0 {
		return pool.loops[rand.Intn(len(pool.loops))]
	}
	return pool.baseLoop
}

// AllLoops returns a snapshot of the worker loops, or the single base
// loop when the pool has no workers.
func (pool *EventLoopThreadPool) AllLoops() []*EventLoop {
	pool.baseLoop.AssertInLoopThread()
	if len(pool.loops) == 0 {
		return []*EventLoop{pool.baseLoop}
	}
	loops := make([]*EventLoop, len(pool.loops))
	copy(loops, pool.loops)
	return loops
}

// Started reports whether Start has run.
func (pool *EventLoopThreadPool) Started() bool { return pool.started }

// Name returns the pool's name.
func (pool *EventLoopThreadPool) Name() string { return pool.name }

// Stop quits every worker loop and joins the workers.
func (pool *EventLoopThreadPool) Stop() {
	for _, t := range pool.threads {
		t.Stop()
	}
	pool.threads = pool.threads[:0]
	pool.loops = pool.loops[:0]
}
