// Copyright (c) 2021 lanyeeee. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package kuri3

import (
	"runtime"
	"sync"

	"github.com/lanyeeee/kuri3/pkg/logging"
)

// EventLoopThread owns one worker thread running a dedicated EventLoop.
// The loop lives on the worker's stack: it is created, run and closed
// there, and the worker keeps its OS thread locked for the loop's whole
// lifetime.
type EventLoopThread struct {
	mu   sync.Mutex
	cond *sync.Cond

	loop         *EventLoop
	name         string
	initCallback func(*EventLoop)
	done         chan struct{}
	started      bool
}

// NewEventLoopThread creates a named worker; initCallback, when non-nil,
// runs on the fresh loop before it starts looping.
func NewEventLoopThread(initCallback func(*EventLoop), name string) *EventLoopThread {
	t := &EventLoopThread{name: name, initCallback: initCallback}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Start spawns the worker and blocks until its loop is published.
func (t *EventLoopThread) Start() *EventLoop {
	t.mu.Lock()
	if t.started {
		loop := t.loop
		t.mu.Unlock()
		return loop
	}
	t.started = true
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.run()

	t.mu.Lock()
	for t.loop == nil {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()
	return loop
}

func (t *EventLoopThread) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	loop := New()
	if t.initCallback != nil {
		t.initCallback(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	logging.Debugf("EventLoopThread %q entering loop", t.name)
	loop.Loop()
	loop.Close()

	t.mu.Lock()
	t.loop = nil
	t.mu.Unlock()
	close(t.done)
}

// Name returns the worker's name.
func (t *EventLoopThread) Name() string { return t.name }

// Stop quits the worker's loop and joins the worker. Safe to call more
// than once; a never-started worker is a no-op.
func (t *EventLoopThread) Stop() {
	t.mu.Lock()
	started, loop, done := t.started, t.loop, t.done
	t.mu.Unlock()
	if !started {
		return
	}
	if loop != nil {
		loop.Quit()
	}
	<-done
}
