// Copyright (c) 2021 lanyeeee. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package kuri3

import (
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/petermattis/goid"

	"github.com/lanyeeee/kuri3/internal/osfd"
	"github.com/lanyeeee/kuri3/pkg/logging"
)

// pollTimeoutMs bounds how long one loop iteration may block in the
// poller when nothing is ready.
const pollTimeoutMs = 10 * 1000

// loopOfThread maps a thread id to the at most one EventLoop living on
// it; set at construction, cleared at Close.
var loopOfThread sync.Map

func init() {
	// A write into a peer-closed descriptor must surface as EPIPE on the
	// channel's error path, not kill the process.
	signal.Ignore(syscall.SIGPIPE)
}

// EventLoop is a per-thread reactor: it multiplexes readiness events over
// the channels registered with its poller, fires due timers, and runs
// tasks submitted from other threads. All of its state except the
// extra-task queue and the quit flag is owned by the thread it was
// created on.
type EventLoop struct {
	threadID int64

	looping          bool
	runningCallback  bool
	runningExtraFunc bool
	quit             atomic.Bool

	loopNum    int64
	returnTime Timestamp

	poller         *poller
	timerQueue     *timerQueue
	wakeupFd       int
	wakeupChannel  *Channel
	activeChannels []*Channel

	mu         sync.Mutex // protects extraFuncs
	extraFuncs []func()
}

// New creates an EventLoop bound to the calling thread. Creating a second
// loop on the same thread is a fatal programmer error.
func New() *EventLoop {
	threadID := goid.Get()
	if cur, ok := loopOfThread.Load(threadID); ok {
		logging.Fatalf("another EventLoop %p exists in this thread %d", cur, threadID)
	}
	loop := &EventLoop{threadID: threadID}
	loopOfThread.Store(threadID, loop)

	loop.poller = newPoller(loop)
	loop.timerQueue = newTimerQueue(loop)

	wakeupFd, err := osfd.Eventfd()
	if err != nil {
		logging.Fatalf("failed to create wakeup eventfd: %v", err)
	}
	loop.wakeupFd = wakeupFd
	loop.wakeupChannel = NewChannel(loop, wakeupFd)
	loop.wakeupChannel.SetReadCallback(func(Timestamp) { loop.wakeupRead() })
	loop.wakeupChannel.EnableReading()

	logging.Debugf("EventLoop %p created in thread %d", loop, threadID)
	return loop
}

// CurrentLoop returns the EventLoop living on the calling thread, or nil.
func CurrentLoop() *EventLoop {
	if loop, ok := loopOfThread.Load(goid.Get()); ok {
		return loop.(*EventLoop)
	}
	return nil
}

// Close releases the loop's descriptors and frees its thread slot. Call
// it on the owning thread once Loop has returned; the loop is unusable
// afterwards.
func (el *EventLoop) Close() {
	el.AssertInLoopThread()
	el.wakeupChannel.DisableAll()
	el.wakeupChannel.Remove()
	logging.Error(osfd.Close(el.wakeupFd))
	el.timerQueue.close()
	el.poller.close()
	loopOfThread.Delete(el.threadID)
	logging.Debugf("EventLoop %p of thread %d closed", el, el.threadID)
}

// Loop runs the dispatch loop until Quit. Callable only on the owning
// thread. Each iteration polls, runs the ready channels' callbacks in
// ready-list order, then drains the extra-task queue.
func (el *EventLoop) Loop() {
	el.AssertInLoopThread()
	el.looping = true
	logging.Debugf("EventLoop %p start looping", el)

	for !el.quit.Load() {
		el.activeChannels = el.activeChannels[:0]

		// Blocks here when idle.
		el.returnTime = el.poller.poll(pollTimeoutMs, &el.activeChannels)
		el.loopNum++

		if logging.DebugEnabled() {
			el.printActiveChannels()
		}

		el.runningCallback = true
		for _, channel := range el.activeChannels {
			channel.handleEvent(el.returnTime)
		}
		el.runningCallback = false

		el.runExtraFuncs()
	}

	logging.Debugf("EventLoop %p stop looping", el)
	el.looping = false
}

// Quit makes Loop exit after the current iteration completes. Callable
// from any thread; a foreign caller also wakes the poll up.
func (el *EventLoop) Quit() {
	el.quit.Store(true)
	if !el.InLoopThread() {
		el.Wakeup()
	}
}

// Run executes callback on the owning thread: synchronously when already
// there, otherwise as an extra task.
func (el *EventLoop) Run(callback func()) {
	if el.InLoopThread() {
		callback()
	} else {
		el.AddExtraFunc(callback)
	}
}

// AddExtraFunc enqueues callback to run on the owning thread at the end
// of the current iteration. A foreign caller wakes the loop; so does the
// owner while the loop is draining extra tasks, otherwise a task enqueued
// from within the drain would sleep a full poll timeout.
func (el *EventLoop) AddExtraFunc(callback func()) {
	el.mu.Lock()
	el.extraFuncs = append(el.extraFuncs, callback)
	el.mu.Unlock()

	if !el.InLoopThread() || el.runningExtraFunc {
		el.Wakeup()
	}
}

// ExtraFuncsNum returns the number of queued extra tasks.
func (el *EventLoop) ExtraFuncsNum() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.extraFuncs)
}

// Wakeup forces a blocked poll to return by writing the wakeup eventfd.
func (el *EventLoop) Wakeup() {
	n, err := osfd.WriteCounter(el.wakeupFd)
	if err != nil {
		logging.Error(err)
	} else if n != 8 {
		logging.Errorf("EventLoop.Wakeup() writes %d bytes instead of 8", n)
	}
}

func (el *EventLoop) wakeupRead() {
	n, err := osfd.ReadCounter(el.wakeupFd)
	if err != nil {
		logging.Error(err)
	} else if n != 8 {
		logging.Errorf("EventLoop.wakeupRead() reads %d bytes instead of 8", n)
	}
}

// runExtraFuncs swaps the queue out under the lock and runs the tasks
// lock-free: the hold time stays bounded, a task may re-enter
// AddExtraFunc without deadlocking, and tasks enqueued during the drain
// run next iteration after the wakeup AddExtraFunc issued.
func (el *EventLoop) runExtraFuncs() {
	var funcs []func()
	el.runningExtraFunc = true

	el.mu.Lock()
	funcs, el.extraFuncs = el.extraFuncs, nil
	el.mu.Unlock()

	for _, f := range funcs {
		f()
	}

	el.runningExtraFunc = false
}

// RunAt schedules callback at an absolute time.
func (el *EventLoop) RunAt(when Timestamp, callback func()) TimerID {
	return el.timerQueue.add(callback, when, 0, false)
}

// RunAfter schedules callback delay seconds from now.
func (el *EventLoop) RunAfter(delay float64, callback func()) TimerID {
	return el.timerQueue.add(callback, Now().AddSeconds(delay), 0, false)
}

// RunEvery schedules callback every interval seconds, first firing one
// interval from now. An interval of zero still fires at most once per
// loop iteration.
func (el *EventLoop) RunEvery(interval float64, callback func()) TimerID {
	return el.timerQueue.add(callback, Now().AddSeconds(interval), interval, true)
}

// Cancel removes a not-yet-fired timer; unknown ids are ignored.
func (el *EventLoop) Cancel(id TimerID) {
	el.timerQueue.cancel(id)
}

// UpdateChannel reconciles the channel's registration with the poller.
func (el *EventLoop) UpdateChannel(channel *Channel) {
	el.AssertInLoopThread()
	el.poller.updateChannel(channel)
}

// RemoveChannel drops the channel from the poller.
func (el *EventLoop) RemoveChannel(channel *Channel) {
	el.AssertInLoopThread()
	el.poller.removeChannel(channel)
}

// HasChannel reports whether the poller knows this channel.
func (el *EventLoop) HasChannel(channel *Channel) bool {
	el.AssertInLoopThread()
	return el.poller.hasChannel(channel)
}

// ThreadID returns the id of the owning thread.
func (el *EventLoop) ThreadID() int64 { return el.threadID }

// InLoopThread reports whether the caller runs on the owning thread.
func (el *EventLoop) InLoopThread() bool { return el.threadID == goid.Get() }

// IsRunningCallback reports whether the loop is inside channel dispatch.
func (el *EventLoop) IsRunningCallback() bool { return el.runningCallback }

// ReturnTime returns the timestamp of the latest poll return.
func (el *EventLoop) ReturnTime() Timestamp { return el.returnTime }

// LoopNum returns how many iterations the loop has run.
func (el *EventLoop) LoopNum() int64 { return el.loopNum }

// AssertInLoopThread aborts when called from a foreign thread; a
// cross-thread touch of loop-owned state is a programmer error, not a
// runtime condition.
func (el *EventLoop) AssertInLoopThread() {
	if !el.InLoopThread() {
		logging.Fatalf("EventLoop %p was created in thread %d, current thread is %d",
			el, el.threadID, goid.Get())
	}
}

func (el *EventLoop) printActiveChannels() {
	for _, channel := range el.activeChannels {
		logging.Debugf("{ %s }", channel.reventsString())
	}
}
