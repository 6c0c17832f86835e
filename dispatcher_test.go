/************************************************************************************
 *
 * gatewire, A Lightweight Go client for bidirectional chat-platform gateways
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package gatewire

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcher_TypedHandlerOnlyFiresForItsEvent(t *testing.T) {
	d := newDispatcher(nil, HandlerExecutionSync, nil)
	var readyCount, otherCount int32
	d.on("READY", func(shardID int, t string, data map[string]any) {
		atomic.AddInt32(&readyCount, 1)
	})
	d.on("MESSAGE_CREATE", func(shardID int, t string, data map[string]any) {
		atomic.AddInt32(&otherCount, 1)
	})

	d.dispatchTyped(0, "READY", map[string]any{})

	if readyCount != 1 {
		t.Fatalf("expected READY handler to fire once, fired %d", readyCount)
	}
	if otherCount != 0 {
		t.Fatalf("expected MESSAGE_CREATE handler not to fire, fired %d", otherCount)
	}
}

func TestDispatcher_WildcardFiresForAnyEvent(t *testing.T) {
	d := newDispatcher(nil, HandlerExecutionSync, nil)
	var seen []string
	d.onAny(func(shardID int, t string, data map[string]any) {
		seen = append(seen, t)
	})

	d.dispatchWildcard(0, "READY", map[string]any{})
	d.dispatchWildcard(0, "MESSAGE_CREATE", map[string]any{})

	if len(seen) != 2 || seen[0] != "READY" || seen[1] != "MESSAGE_CREATE" {
		t.Fatalf("expected wildcard handler to observe both events in order, got %v", seen)
	}
}

func TestDispatcher_WildcardAndTypedAreIndependentRegistries(t *testing.T) {
	d := newDispatcher(nil, HandlerExecutionSync, nil)
	var wildcardFired, typedFired bool
	d.onAny(func(shardID int, t string, data map[string]any) { wildcardFired = true })
	d.on("READY", func(shardID int, t string, data map[string]any) { typedFired = true })

	d.dispatchTyped(0, "READY", map[string]any{})
	if !typedFired || wildcardFired {
		t.Fatal("dispatchTyped must not invoke wildcard handlers")
	}
}

func TestDispatcher_PanicInHandlerDoesNotStopOthers(t *testing.T) {
	d := newDispatcher(nil, HandlerExecutionSync, nil)
	var secondRan bool
	d.on("READY", func(shardID int, t string, data map[string]any) {
		panic("boom")
	})
	d.on("READY", func(shardID int, t string, data map[string]any) {
		secondRan = true
	})

	d.dispatchTyped(0, "READY", map[string]any{})

	if !secondRan {
		t.Fatal("expected the second handler to still run after the first panicked")
	}
}

func TestDispatcher_AsyncModeRunsOnWorkerPool(t *testing.T) {
	pool := NewDefaultWorkerPool(nil, WithMinWorkers(1), WithMaxWorkers(2), WithQueueCap(8))
	defer pool.Shutdown()

	d := newDispatcher(nil, HandlerExecutionAsync, pool)
	var wg sync.WaitGroup
	wg.Add(1)
	d.on("READY", func(shardID int, t string, data map[string]any) {
		defer wg.Done()
	})

	d.dispatchTyped(0, "READY", map[string]any{})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran on the worker pool")
	}
}
