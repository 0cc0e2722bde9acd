// Copyright (c) 2021 lanyeeee. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package kuri3

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Timestamp is a point on the monotonic clock with microsecond resolution.
// It orders timers and stamps poll returns; it is not convertible to wall
// time.
type Timestamp int64

const microsPerSecond = 1000000

// Now reads the monotonic clock.
func Now() Timestamp {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return Timestamp(ts.Sec*microsPerSecond + ts.Nsec/1000)
}

// AddSeconds returns the timestamp shifted by d seconds.
func (t Timestamp) AddSeconds(d float64) Timestamp {
	return t + Timestamp(d*microsPerSecond)
}

// Before reports whether t is earlier than u.
func (t Timestamp) Before(u Timestamp) bool {
	return t < u
}

// Sub returns t-u in seconds.
func (t Timestamp) Sub(u Timestamp) float64 {
	return float64(t-u) / microsPerSecond
}

// String renders the timestamp as seconds since the monotonic epoch.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%06ds", t/microsPerSecond, t%microsPerSecond)
}
