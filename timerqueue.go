// Copyright (c) 2021 lanyeeee. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package kuri3

import (
	"math"
	"sort"

	"github.com/lanyeeee/kuri3/internal/osfd"
	"github.com/lanyeeee/kuri3/pkg/logging"
)

// timerQueue keeps the pending timers of one EventLoop ordered by
// (expiration, identity) over a single timerfd whose next fire always
// equals the queue head. add and cancel may be called from any thread;
// they marshal onto the owning loop, and everything below runs on that
// thread without locking.
type timerQueue struct {
	loop           *EventLoop
	timerfd        int
	timerfdChannel *Channel

	timers        []*timer         // sorted by (when, seq)
	active        map[int64]*timer // every timer the queue still owns, by seq
	cancelledSoon []int64          // seqs cancelled while dispatching

	runningCallback bool
}

func newTimerQueue(loop *EventLoop) *timerQueue {
	timerfd, err := osfd.Timerfd()
	if err != nil {
		logging.Fatalf("failed to create timerfd: %v", err)
	}
	tq := &timerQueue{
		loop:    loop,
		timerfd: timerfd,
		active:  make(map[int64]*timer),
	}
	tq.timerfdChannel = NewChannel(loop, timerfd)
	tq.timerfdChannel.SetReadCallback(tq.handleTimerfd)
	tq.timerfdChannel.EnableReading()
	return tq
}

func (tq *timerQueue) close() {
	tq.timerfdChannel.DisableAll()
	tq.timerfdChannel.Remove()
	logging.Error(osfd.Close(tq.timerfd))
}

// add schedules callback at when, rescheduling every interval seconds
// when repeat is set. Callable from any thread; never blocks.
func (tq *timerQueue) add(callback func(), when Timestamp, interval float64, repeat bool) TimerID {
	t := newTimer(callback, when, interval, repeat)
	tq.loop.Run(func() { tq.addInLoop(t) })
	return TimerID{when: when, seq: t.seq}
}

// cancel removes a not-yet-fired timer. Cancelling an unknown or already
// fired id is a no-op.
func (tq *timerQueue) cancel(id TimerID) {
	tq.loop.Run(func() { tq.cancelInLoop(id) })
}

func (tq *timerQueue) addInLoop(t *timer) {
	tq.loop.AssertInLoopThread()
	tq.active[t.seq] = t
	// A new head forces the timerfd onto the earlier expiration.
	if tq.insert(t) {
		tq.rearmTimerfd()
	}
}

func (tq *timerQueue) cancelInLoop(id TimerID) {
	tq.loop.AssertInLoopThread()
	t, ok := tq.active[id.seq]
	if !ok {
		return
	}
	if tq.runningCallback {
		// The map cannot change under the dispatch walk; reset purges it.
		tq.cancelledSoon = append(tq.cancelledSoon, id.seq)
		return
	}
	wasHead := len(tq.timers) > 0 && tq.timers[0] == t
	tq.erase(t)
	delete(tq.active, id.seq)
	if wasHead {
		tq.rearmTimerfd()
	}
}

// handleTimerfd is the read callback of the timerfd channel: it drains
// the descriptor, runs every expired timer in key order, then reinstates
// the repeating ones.
func (tq *timerQueue) handleTimerfd(now Timestamp) {
	tq.loop.AssertInLoopThread()
	if n, err := osfd.ReadCounter(tq.timerfd); err != nil {
		logging.Error(err)
	} else if n != 8 {
		logging.Errorf("timerQueue.handleTimerfd() reads %d bytes instead of 8", n)
	}

	expired := tq.getExpired(now)

	tq.runningCallback = true
	for _, t := range expired {
		t.run()
	}
	tq.runningCallback = false

	tq.reset(expired)
}

// getExpired detaches every timer with when <= now, in key order.
func (tq *timerQueue) getExpired(now Timestamp) []*timer {
	end := sort.Search(len(tq.timers), func(i int) bool {
		return tq.timers[i].after(now, math.MaxInt64)
	})
	expired := make([]*timer, end)
	copy(expired, tq.timers[:end])
	n := copy(tq.timers, tq.timers[end:])
	for i := n; i < len(tq.timers); i++ {
		tq.timers[i] = nil
	}
	tq.timers = tq.timers[:n]
	return expired
}

// reset reinstates repeating timers that were not cancelled during the
// dispatch, purges the cancellation list, and rearms the timerfd at the
// new head.
func (tq *timerQueue) reset(expired []*timer) {
	now := Now()
	for _, t := range expired {
		if t.repeat && !tq.isCancelledSoon(t.seq) {
			t.restart(now)
			tq.insert(t)
		} else {
			delete(tq.active, t.seq)
		}
	}

	for _, seq := range tq.cancelledSoon {
		if t, ok := tq.active[seq]; ok {
			tq.erase(t)
			delete(tq.active, seq)
		}
	}
	tq.cancelledSoon = tq.cancelledSoon[:0]

	tq.rearmTimerfd()
}

func (tq *timerQueue) isCancelledSoon(seq int64) bool {
	for _, s := range tq.cancelledSoon {
		if s == seq {
			return true
		}
	}
	return false
}

// insert places t by (when, seq) and reports whether it became the new
// head, which compares against the current head rather than rescanning.
func (tq *timerQueue) insert(t *timer) bool {
	i := sort.Search(len(tq.timers), func(i int) bool {
		return tq.timers[i].after(t.when, t.seq)
	})
	tq.timers = append(tq.timers, nil)
	copy(tq.timers[i+1:], tq.timers[i:])
	tq.timers[i] = t
	return i == 0
}

func (tq *timerQueue) erase(t *timer) {
	i := sort.Search(len(tq.timers), func(i int) bool {
		return !t.after(tq.timers[i].when, tq.timers[i].seq)
	})
	if i < len(tq.timers) && tq.timers[i] == t {
		copy(tq.timers[i:], tq.timers[i+1:])
		tq.timers[len(tq.timers)-1] = nil
		tq.timers = tq.timers[:len(tq.timers)-1]
	}
}

// rearmTimerfd programs the timerfd at the queue head, or disarms it when
// the queue is empty. A head already in the past still fires: the kernel
// delivers an immediate expiration, so the timer runs on the next loop
// iteration instead of spinning inside this call.
func (tq *timerQueue) rearmTimerfd() {
	if len(tq.timers) == 0 {
		logging.Error(osfd.DisarmTimerfd(tq.timerfd))
		return
	}
	head := tq.timers[0]
	past, err := osfd.SetTimerfd(tq.timerfd, int64(head.when))
	if err != nil {
		logging.Error(err)
		return
	}
	if past {
		logging.Errorf("timerQueue: head timer %d is already due, firing on next poll", head.seq)
	}
}
