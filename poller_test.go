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

	"github.com/lanyeeee/kuri3/internal/osfd"
)

func TestPollerHasChannelMatchesIdentity(t *testing.T) {
	loop := New()
	defer loop.Close()

	efd, err := osfd.Eventfd()
	require.NoError(t, err)
	defer func() { _ = osfd.Close(efd) }()

	c := NewChannel(loop, efd)
	c.SetReadCallback(func(Timestamp) {})
	c.EnableReading()
	assert.True(t, loop.HasChannel(c))

	// A different channel over the same fd is not "the" registered one.
	imposter := NewChannel(loop, efd)
	assert.False(t, loop.HasChannel(imposter))

	c.DisableAll()
	c.Remove()
	assert.False(t, loop.HasChannel(c))
}

func TestPollerEventsBufferGrowth(t *testing.T) {
	loop := New()
	defer loop.Close()

	const numFds = 20 // above the initial event buffer capacity of 16
	require.Greater(t, numFds, initPollEventsCap)

	fds := make([]int, 0, numFds)
	channels := make([]*Channel, 0, numFds)
	fired := make(map[int]int)
	total := 0

	for i := 0; i < numFds; i++ {
		fd, err := osfd.Eventfd()
		require.NoError(t, err)
		c := NewChannel(loop, fd)
		c.SetReadCallback(func(Timestamp) {
			_, _ = osfd.ReadCounter(fd)
			fired[fd]++
			if total++; total == numFds {
				loop.Quit()
			}
		})
		c.EnableReading()
		fds = append(fds, fd)
		channels = append(channels, c)
	}

	// Everything becomes ready at once.
	for _, fd := range fds {
		_, err := osfd.WriteCounter(fd)
		require.NoError(t, err)
	}

	loop.Loop()

	assert.Len(t, fired, numFds)
	for fd, n := range fired {
		assert.Equalf(t, 1, n, "fd %d dispatched %d times", fd, n)
	}
	assert.GreaterOrEqual(t, len(loop.poller.events), 2*initPollEventsCap)

	for i, c := range channels {
		c.DisableAll()
		c.Remove()
		_ = osfd.Close(fds[i])
	}
}
