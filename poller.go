// Copyright (c) 2021 lanyeeee. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package kuri3

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/lanyeeee/kuri3/pkg/logging"
)

// Registration states of a channel inside the poller. pollerDeleted means
// the channel map still holds the channel while the kernel no longer
// does, so re-enabling events takes one syscall.
const (
	pollerNew     = -1
	pollerAdded   = 1
	pollerDeleted = 2
)

// initPollEventsCap is the initial capacity of the kernel event buffer,
// doubled whenever a poll saturates it.
const initPollEventsCap = 16

// poller is a thin layer over epoll. It is created by and permanently
// bound to one EventLoop; every method asserts the caller is the owner
// thread.
type poller struct {
	epfd     int
	loop     *EventLoop
	events   []unix.EpollEvent
	channels map[int]*Channel // registered channels keyed by fd
}

func newPoller(loop *EventLoop) *poller {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		logging.Fatalf("failed to create epoll instance: %v", os.NewSyscallError("epoll_create1", err))
	}
	return &poller{
		epfd:     epfd,
		loop:     loop,
		events:   make([]unix.EpollEvent, initPollEventsCap),
		channels: make(map[int]*Channel),
	}
}

// poll waits for ready events for at most timeoutMs, stamps each ready
// channel's revents, appends the channels to active in kernel ready-list
// order, and returns the moment the wait came back.
func (p *poller) poll(timeoutMs int, active *[]*Channel) Timestamp {
	p.assertInLoopThread()
	logging.Debugf("poller: fd total count %d", len(p.channels))
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	now := Now()
	switch {
	case n > 0:
		logging.Debugf("poller: %d events happened", n)
		p.collectActiveChannels(n, active)
		if n == len(p.events) {
			p.events = make([]unix.EpollEvent, n<<1)
		}
	case n == 0:
		logging.Debugf("poller: nothing happened")
	case err != unix.EINTR:
		// A real failure; EINTR just means zero events this round.
		logging.Errorf("poller: %v", os.NewSyscallError("epoll_wait", err))
	}
	return now
}

func (p *poller) collectActiveChannels(eventsNum int, active *[]*Channel) {
	for i := 0; i < eventsNum; i++ {
		ev := &p.events[i]
		channel := p.channels[int(ev.Fd)]
		if channel == nil {
			// The fd vanished from the map between wait and dispatch.
			logging.Errorf("poller: ready fd %d has no channel", ev.Fd)
			continue
		}
		channel.setRevents(ev.Events)
		*active = append(*active, channel)
	}
}

// updateChannel reconciles the channel's interested events with the
// kernel registration.
func (p *poller) updateChannel(channel *Channel) {
	p.assertInLoopThread()
	status := channel.status
	logging.Debugf("poller: fd = %d events = { %s } status = %d", channel.fd, channel.eventsString(), status)
	if status == pollerNew || status == pollerDeleted {
		if status == pollerNew {
			p.channels[channel.fd] = channel
		}
		// A deleted channel is still in the map, only gone from the kernel.
		channel.status = pollerAdded
		p.update(unix.EPOLL_CTL_ADD, channel)
		return
	}
	if channel.IsNoneEvent() {
		p.update(unix.EPOLL_CTL_DEL, channel)
		channel.status = pollerDeleted
	} else {
		p.update(unix.EPOLL_CTL_MOD, channel)
	}
}

// removeChannel erases the channel from the map and, if the kernel still
// knows it, deregisters it. The channel goes back to the initial state.
func (p *poller) removeChannel(channel *Channel) {
	p.assertInLoopThread()
	logging.Debugf("poller: remove fd = %d", channel.fd)
	status := channel.status
	delete(p.channels, channel.fd)
	if status == pollerAdded {
		p.update(unix.EPOLL_CTL_DEL, channel)
	}
	channel.status = pollerNew
}

// hasChannel reports whether this very channel is registered in the map.
func (p *poller) hasChannel(channel *Channel) bool {
	p.assertInLoopThread()
	c, ok := p.channels[channel.fd]
	return ok && c == channel
}

func (p *poller) update(operation int, channel *Channel) {
	ev := unix.EpollEvent{Fd: int32(channel.fd), Events: channel.events}
	logging.Debugf("poller: epoll_ctl op = %s fd = %d event = { %s }",
		operationString(operation), channel.fd, channel.eventsString())
	if err := unix.EpollCtl(p.epfd, operation, channel.fd, &ev); err != nil {
		err = os.NewSyscallError("epoll_ctl "+operationString(operation), err)
		if operation == unix.EPOLL_CTL_DEL {
			// The resource may already be gone, not worth dying for.
			logging.Errorf("poller: %v, fd = %d", err, channel.fd)
		} else {
			logging.Fatalf("poller: %v, fd = %d", err, channel.fd)
		}
	}
}

func (p *poller) close() {
	p.assertInLoopThread()
	logging.Error(os.NewSyscallError("close", unix.Close(p.epfd)))
}

func (p *poller) assertInLoopThread() { p.loop.AssertInLoopThread() }

func operationString(operation int) string {
	switch operation {
	case unix.EPOLL_CTL_ADD:
		return "ADD"
	case unix.EPOLL_CTL_DEL:
		return "DEL"
	case unix.EPOLL_CTL_MOD:
		return "MOD"
	default:
		return "unknown operation"
	}
}
