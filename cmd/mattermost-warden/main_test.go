// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// TestSessionRunner_NeverOverlapsSessions verifies a restart waits for the
// previous session to fully return before the next one begins.
func TestSessionRunner_NeverOverlapsSessions(t *testing.T) {
	t.Parallel()
	runner := &sessionRunner{}

	var active, peak atomic.Int32
	run := func(ctx context.Context) {
		if n := active.Add(1); n > peak.Load() {
			peak.Store(n)
		}
		defer active.Add(-1)
		<-ctx.Done()
		// Simulate the teardown work (closing the platform session) that
		// must finish before a successor may start.
		time.Sleep(10 * time.Millisecond)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		runner.start(ctx, run)
	}
	runner.stop()

	if got := peak.Load(); got != 1 {
		t.Fatalf("expected at most one live session, saw %d concurrently", got)
	}
	if got := active.Load(); got != 0 {
		t.Fatalf("expected no session after stop, got %d", got)
	}
}

// TestSessionRunner_StopWithoutStart is a no-op, not a panic.
func TestSessionRunner_StopWithoutStart(t *testing.T) {
	t.Parallel()
	runner := &sessionRunner{}
	runner.stop()
}
