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
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetGatewayBotAt_ParsesCustomDiscoveryResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Error("expected Authorization header on a custom discovery request")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"url":"wss://proxy.example/gateway","shards":3,"session_start_limit":{"total":1000,"remaining":999,"reset_after":0,"max_concurrency":2}}`))
	}))
	defer srv.Close()

	rest := newRestApi(newRequester(nil, "token", nil), "token", nil)
	bot, err := rest.getGatewayBotAt(srv.URL)
	if err != nil {
		t.Fatalf("getGatewayBotAt: %v", err)
	}
	if bot.URL != "wss://proxy.example/gateway" || bot.Shards != 3 {
		t.Fatalf("unexpected gatewayBot: %+v", bot)
	}
	if bot.SessionStartLimit.MaxConcurrency != 2 {
		t.Fatalf("expected max_concurrency 2, got %d", bot.SessionStartLimit.MaxConcurrency)
	}
}

func TestResolveTopology_UsesCustomGetGatewayBotURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"url":"wss://proxy.example/gateway","shards":2,"session_start_limit":{"total":1000,"remaining":999,"reset_after":0,"max_concurrency":1}}`))
	}))
	defer srv.Close()

	rest := newRestApi(newRequester(nil, "token", nil), "token", nil)
	m := NewShardManager(ManagerConfig{CustomGetGatewayBotURL: srv.URL}, rest, nil)

	topo, err := m.resolveTopology(context.Background())
	if err != nil {
		t.Fatalf("resolveTopology: %v", err)
	}
	if topo.totalBotShards != 2 {
		t.Fatalf("expected shard count discovered from the custom URL, got %d", topo.totalBotShards)
	}
}
