// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package colorloop implements a cooperative, colored task runtime.
//
// A [Runtime] owns a fixed set of workers, each bound to its own OS thread.
// Work is submitted as a [Callback], which carries an [Affinity] (its
// "color"), a priority, and an estimated cost. Tasks that share a color are
// executed strictly one at a time, in submission order for tail inserts, and
// on a single worker at any instant. Colors are therefore the unit of mutual
// exclusion: callbacks that share state only by sharing a color need no
// additional locking.
//
// Each worker also runs an epoll based reactor ([Runtime.WatchFD]) and a
// deadline ordered timer set ([Runtime.ScheduleAfter]). Readiness and
// expiry are turned into ordinary tasks, enqueued at the color of the
// waiting callback.
//
// Optionally ([WithStealing]), idle workers steal whole colors from busy
// workers, migrating any file descriptor interest recorded for those colors.
//
// Tasks are never preempted. A task that needs to wait must split itself
// into further callbacks, e.g. by watching a file descriptor or scheduling a
// timer.
package colorloop
