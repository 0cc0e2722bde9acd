// Copyright (c) 2021 lanyeeee. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package kuri3

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/lanyeeee/kuri3/pkg/logging"
	"github.com/lanyeeee/kuri3/pkg/pool/bytebuffer"
)

const (
	noneEvent  uint32 = 0
	readEvent  uint32 = unix.EPOLLIN | unix.EPOLLPRI
	writeEvent uint32 = unix.EPOLLOUT
)

// Channel binds one file descriptor to its event callbacks and tracks the
// registration state with the poller. It never owns the descriptor; the
// higher-level owner keeps the descriptor and the channel alive for as
// long as the channel is registered, and must Remove it before letting
// it go.
//
// A channel is pinned to the thread of its owning EventLoop: apart from
// construction, every method must be called on that thread.
type Channel struct {
	fd      int
	events  uint32 // events the channel is interested in
	revents uint32 // ready events stamped by the poller
	status  int    // registration state inside the poller
	loop    *EventLoop

	tied            bool
	runningCallback bool
	inLoop          bool
	logHup          bool

	tieGuard      func() bool
	readCallback  func(Timestamp)
	writeCallback func()
	closeCallback func()
	errorCallback func()
}

// NewChannel creates a channel for fd owned by loop. The channel starts
// with no interested events and is not yet known to the poller.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{fd: fd, loop: loop, status: pollerNew, logHup: true}
}

// SetReadCallback installs the callback run on readable events, called
// with the poll-return timestamp.
func (c *Channel) SetReadCallback(callback func(Timestamp)) { c.readCallback = callback }

// SetWriteCallback installs the callback run on writable events.
func (c *Channel) SetWriteCallback(callback func()) { c.writeCallback = callback }

// SetCloseCallback installs the callback run on hang-up events.
func (c *Channel) SetCloseCallback(callback func()) { c.closeCallback = callback }

// SetErrorCallback installs the callback run on error events.
func (c *Channel) SetErrorCallback(callback func()) { c.errorCallback = callback }

// Tie binds the channel's dispatch to the lifetime of its higher-level
// owner. The guard is consulted before every dispatch; once it reports
// false the channel skips all callbacks for that cycle, so a ready event
// racing with the owner's teardown can never reach a dead owner.
func (c *Channel) Tie(guard func() bool) {
	c.tieGuard = guard
	c.tied = true
}

// Fd returns the descriptor this channel watches.
func (c *Channel) Fd() int { return c.fd }

// Events returns the bitmask of interested events.
func (c *Channel) Events() uint32 { return c.events }

// OwnerLoop returns the EventLoop this channel belongs to.
func (c *Channel) OwnerLoop() *EventLoop { return c.loop }

// IsNoneEvent reports whether the channel has no interested events.
func (c *Channel) IsNoneEvent() bool { return c.events == noneEvent }

// IsReading reports whether readable events are enabled.
func (c *Channel) IsReading() bool { return c.events&readEvent != 0 }

// IsWriting reports whether writable events are enabled.
func (c *Channel) IsWriting() bool { return c.events&writeEvent != 0 }

// EnableReading registers interest in readable events.
func (c *Channel) EnableReading() {
	c.events |= readEvent
	c.update()
}

// DisableReading drops interest in readable events.
func (c *Channel) DisableReading() {
	c.events &^= readEvent
	c.update()
}

// EnableWriting registers interest in writable events.
func (c *Channel) EnableWriting() {
	c.events |= writeEvent
	c.update()
}

// DisableWriting drops interest in writable events.
func (c *Channel) DisableWriting() {
	c.events &^= writeEvent
	c.update()
}

// DisableAll drops interest in every event.
func (c *Channel) DisableAll() {
	c.events = noneEvent
	c.update()
}

// EnableLogHup makes an EPOLLHUP without EPOLLIN emit a WARN record.
func (c *Channel) EnableLogHup() { c.logHup = true }

// DisableLogHup silences the EPOLLHUP warning.
func (c *Channel) DisableLogHup() { c.logHup = false }

// Remove drops the channel from the poller. It must not be called from
// within one of this channel's own callbacks.
func (c *Channel) Remove() {
	c.inLoop = false
	c.loop.RemoveChannel(c)
}

func (c *Channel) update() {
	c.inLoop = true
	c.loop.UpdateChannel(c)
}

func (c *Channel) setRevents(revents uint32) { c.revents = revents }

// handleEvent dispatches the ready events to the installed callbacks.
// When tied, a dead owner suppresses the whole dispatch.
func (c *Channel) handleEvent(timestamp Timestamp) {
	if c.tied && !c.tieGuard() {
		return
	}
	c.handleEventWithGuard(timestamp)
}

// Dispatch order: close before read short-circuits reads after hangup,
// error before read propagates transport failure first, read before
// write.
func (c *Channel) handleEventWithGuard(timestamp Timestamp) {
	c.runningCallback = true
	logging.Debugf("channel %s", c.reventsString())
	if c.revents&unix.EPOLLHUP != 0 && c.revents&unix.EPOLLIN == 0 {
		if c.logHup {
			logging.Warnf("fd = %d Channel.handleEvent() EPOLLHUP", c.fd)
		}
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents&unix.EPOLLERR != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		if c.readCallback != nil {
			c.readCallback(timestamp)
		}
	}
	if c.revents&unix.EPOLLOUT != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
	c.runningCallback = false
}

// reventsString renders the ready events for trace logs.
func (c *Channel) reventsString() string { return eventsToString(c.fd, c.revents) }

// eventsString renders the interested events for trace logs.
func (c *Channel) eventsString() string { return eventsToString(c.fd, c.events) }

func eventsToString(fd int, ev uint32) string {
	bb := bytebuffer.Get()
	defer bytebuffer.Put(bb)

	_, _ = fmt.Fprintf(bb, "%d:", fd)
	if ev&unix.EPOLLIN != 0 {
		_, _ = bb.WriteString(" IN")
	}
	if ev&unix.EPOLLPRI != 0 {
		_, _ = bb.WriteString(" PRI")
	}
	if ev&unix.EPOLLOUT != 0 {
		_, _ = bb.WriteString(" OUT")
	}
	if ev&unix.EPOLLHUP != 0 {
		_, _ = bb.WriteString(" HUP")
	}
	if ev&unix.EPOLLRDHUP != 0 {
		_, _ = bb.WriteString(" RDHUP")
	}
	if ev&unix.EPOLLERR != 0 {
		_, _ = bb.WriteString(" ERR")
	}
	return bb.String()
}
