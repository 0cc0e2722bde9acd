// Copyright (c) 2021 lanyeeee. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package osfd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func nowMicros(t *testing.T) int64 {
	var ts unix.Timespec
	require.NoError(t, unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts))
	return ts.Sec*1000000 + ts.Nsec/1000
}

func TestEventfdCounterRoundTrip(t *testing.T) {
	fd, err := Eventfd()
	require.NoError(t, err)
	defer func() { _ = Close(fd) }()

	n, err := WriteCounter(fd)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	// Several writes collapse into a single readable counter.
	_, err = WriteCounter(fd)
	require.NoError(t, err)

	n, err = ReadCounter(fd)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	// Drained and non-blocking: the next read reports EAGAIN.
	_, err = ReadCounter(fd)
	assert.Error(t, err)
}

func TestTimerfdFiresAtDeadline(t *testing.T) {
	fd, err := Timerfd()
	require.NoError(t, err)
	defer func() { _ = Close(fd) }()

	past, err := SetTimerfd(fd, nowMicros(t)+20_000)
	require.NoError(t, err)
	assert.False(t, past)

	time.Sleep(40 * time.Millisecond)
	n, err := ReadCounter(fd)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestTimerfdPastDeadlineReported(t *testing.T) {
	fd, err := Timerfd()
	require.NoError(t, err)
	defer func() { _ = Close(fd) }()

	past, err := SetTimerfd(fd, nowMicros(t)-1_000_000)
	require.NoError(t, err)
	assert.True(t, past)

	// The kernel still delivers an immediate expiration.
	time.Sleep(time.Millisecond)
	n, err := ReadCounter(fd)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestTimerfdDisarm(t *testing.T) {
	fd, err := Timerfd()
	require.NoError(t, err)
	defer func() { _ = Close(fd) }()

	_, err = SetTimerfd(fd, nowMicros(t)+10_000)
	require.NoError(t, err)
	require.NoError(t, DisarmTimerfd(fd))

	var its unix.ItimerSpec
	require.NoError(t, unix.TimerfdGettime(fd, &its))
	assert.Zero(t, its.Value.Sec)
	assert.Zero(t, its.Value.Nsec)
}
