// Copyright (c) 2021 lanyeeee. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

// Package osfd wraps the descriptor-level syscalls the reactor relies on:
// eventfd for cross-thread wake-ups and timerfd for the timer queue.
package osfd

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Make the endianness of the 8-byte counter compatible with different
// processor architectures, according to eventfd(2).
var (
	u uint64 = 1
	b        = (*(*[8]byte)(unsafe.Pointer(&u)))[:]
)

// Eventfd creates a non-blocking eventfd used as a wake-up descriptor.
func Eventfd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	return fd, os.NewSyscallError("eventfd", err)
}

// Timerfd creates a non-blocking timerfd on the monotonic clock.
func Timerfd() (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	return fd, os.NewSyscallError("timerfd_create", err)
}

// SetTimerfd arms fd to fire at the absolute monotonic time whenMicros,
// in microseconds. It reports whether the requested time was already in
// the past at arming time; the kernel still delivers an immediate
// expiration in that case, so a past-due head surfaces as a readable
// timerfd rather than a lost fire.
func SetTimerfd(fd int, whenMicros int64) (past bool, err error) {
	its := unix.ItimerSpec{Value: unix.NsecToTimespec(whenMicros * 1000)}
	if err = unix.TimerfdSettime(fd, unix.TFD_TIMER_ABSTIME, &its, nil); err != nil {
		return false, os.NewSyscallError("timerfd_settime", err)
	}
	var now unix.Timespec
	if err = unix.ClockGettime(unix.CLOCK_MONOTONIC, &now); err != nil {
		return false, os.NewSyscallError("clock_gettime", err)
	}
	return whenMicros <= now.Sec*1000000+now.Nsec/1000, nil
}

// DisarmTimerfd stops fd from firing.
func DisarmTimerfd(fd int) error {
	var its unix.ItimerSpec
	return os.NewSyscallError("timerfd_settime", unix.TimerfdSettime(fd, 0, &its, nil))
}

// ReadCounter drains the 8-byte counter of an eventfd or timerfd,
// returning the byte count actually read.
func ReadCounter(fd int) (int, error) {
	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	for err == unix.EINTR {
		n, err = unix.Read(fd, buf[:])
	}
	return n, os.NewSyscallError("read", err)
}

// WriteCounter adds one to the counter of an eventfd, returning the byte
// count actually written.
func WriteCounter(fd int) (int, error) {
	n, err := unix.Write(fd, b)
	for err == unix.EINTR || err == unix.EAGAIN {
		n, err = unix.Write(fd, b)
	}
	return n, os.NewSyscallError("write", err)
}

// Close closes a descriptor created by this package.
func Close(fd int) error {
	return os.NewSyscallError("close", unix.Close(fd))
}
