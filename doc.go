// Copyright (c) 2021 lanyeeee. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

/*
Package kuri3 is the reactor core of an event-driven I/O framework for
Linux: per-thread EventLoops multiplexing epoll readiness over Channels,
a timerfd-backed timer queue, eventfd cross-thread wake-ups, and a pool
of loop threads spreading work across cores.

Each EventLoop is strictly single-threaded cooperative. Everything that
touches its poller, timers or channels runs on the thread the loop was
created on; other threads talk to a loop only through Run/AddExtraFunc
and Quit. Callbacks must not block — ship slow work to
pkg/pool/goroutine and marshal the result back with Run.
*/
package kuri3
