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
	"fmt"
	"runtime/debug"
	"sync"
)

// DispatchHandler receives one gateway dispatch: the shard it arrived on,
// its event type ("MESSAGE_CREATE", "READY", ...), and its decoded data.
// The cache has already observed the event by the time any handler runs,
// per spec.md §4.2's relay ordering.
type DispatchHandler func(shardID int, t string, d map[string]any)

// HandlerExecutionMode defines how dispatcher handlers are executed.
type HandlerExecutionMode int

const (
	// HandlerExecutionSync runs every handler for an event sequentially,
	// inline with the call that delivered it.
	HandlerExecutionSync HandlerExecutionMode = iota
	// HandlerExecutionAsync submits each handler invocation to the
	// dispatcher's WorkerPool.
	HandlerExecutionAsync
)

// dispatcher fans a Shard Manager's relay out to registered handlers. It
// keeps two registries: typed, keyed by event name, and wildcard, which
// see every dispatch. The manager always calls wildcard before typed
// (spec.md §4.2), so dispatcher mirrors that by exposing them as two
// separate entry points rather than interleaving them itself.
type dispatcher struct {
	log  LogFunc
	mode HandlerExecutionMode
	pool WorkerPool

	mu       sync.RWMutex
	handlers map[string][]DispatchHandler
	wildcard []DispatchHandler
}

func newDispatcher(log LogFunc, mode HandlerExecutionMode, pool WorkerPool) *dispatcher {
	if log == nil {
		log = noopLog
	}
	return &dispatcher{
		log:      log,
		mode:     mode,
		pool:     pool,
		handlers: make(map[string][]DispatchHandler, 32),
	}
}

// on registers h for event t.
func (d *dispatcher) on(t string, h DispatchHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = append(d.handlers[t], h)
}

// onAny registers h for every event, run before any typed handler.
func (d *dispatcher) onAny(h DispatchHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wildcard = append(d.wildcard, h)
}

// dispatchTyped is the ShardManager.Dispatch callback target.
func (d *dispatcher) dispatchTyped(shardID int, t string, data map[string]any) {
	d.mu.RLock()
	hs := append([]DispatchHandler(nil), d.handlers[t]...)
	d.mu.RUnlock()
	d.run(shardID, t, data, hs)
}

// dispatchWildcard is the ShardManager.WildcardDispatch callback target.
func (d *dispatcher) dispatchWildcard(shardID int, t string, data map[string]any) {
	d.mu.RLock()
	hs := append([]DispatchHandler(nil), d.wildcard...)
	d.mu.RUnlock()
	d.run(shardID, t, data, hs)
}

func (d *dispatcher) run(shardID int, t string, data map[string]any, hs []DispatchHandler) {
	for _, h := range hs {
		h := h
		task := func() {
			defer func() {
				if r := recover(); r != nil {
					logAt(d.log, LogError, "dispatcher", fmt.Sprintf("recovered from panic handling %s: %v\n%s", t, r, debug.Stack()))
				}
			}()
			h(shardID, t, data)
		}
		if d.mode == HandlerExecutionAsync && d.pool != nil {
			if !d.pool.Submit(task) {
				logAt(d.log, LogWarn, "dispatcher", "dropping handler for "+t+": worker pool queue full")
			}
			continue
		}
		task()
	}
}
