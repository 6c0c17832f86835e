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
	"testing"
)

func TestNew_WithTokenStripsBotPrefix(t *testing.T) {
	c := New(context.Background(), WithToken("Bot abc123"))
	if c.token != "abc123" {
		t.Fatalf("expected stripped token, got %q", c.token)
	}
}

func TestNew_DefaultsToNonPrivilegedIntents(t *testing.T) {
	c := New(context.Background())
	if c.intents != IntentNonPrivileged {
		t.Fatalf("expected default intents to be IntentNonPrivileged, got %d", c.intents)
	}
}

func TestNew_WithIntentsOrsFlags(t *testing.T) {
	c := New(context.Background(), WithIntents(IntentGuilds, IntentGuildMessages))
	if !c.intents.Has(IntentGuilds) || !c.intents.Has(IntentGuildMessages) {
		t.Fatal("expected both intents to be set")
	}
}

func TestNew_WithoutCacheDisablesCache(t *testing.T) {
	c := New(context.Background(), WithoutCache())
	if c.Cache() != nil {
		t.Fatal("expected Cache() to be nil when WithoutCache is used")
	}
}

func TestNew_DefaultEnablesCache(t *testing.T) {
	c := New(context.Background())
	if c.Cache() == nil {
		t.Fatal("expected Cache() to be populated with the default projection set")
	}
}

func TestNew_AsyncModeBuildsWorkerPool(t *testing.T) {
	c := New(context.Background(), WithHandlerExecutionMode(HandlerExecutionAsync))
	if c.pool == nil {
		t.Fatal("expected a worker pool to be built for async handler execution")
	}
	c.pool.Shutdown()
}

func TestNew_SyncModeHasNoWorkerPool(t *testing.T) {
	c := New(context.Background())
	if c.pool != nil {
		t.Fatal("expected no worker pool for the default sync handler execution")
	}
}

func TestNew_WithCustomGetGatewayBotURL(t *testing.T) {
	c := New(context.Background(), WithCustomGetGatewayBotURL("https://proxy.example/api/gatewaybot"))
	if c.customGetGatewayBotURL != "https://proxy.example/api/gatewaybot" {
		t.Fatalf("expected customGetGatewayBotURL to be set, got %q", c.customGetGatewayBotURL)
	}
}

func TestClient_SelfUserIsZeroBeforeReady(t *testing.T) {
	c := New(context.Background())
	if c.SelfUser() != 0 {
		t.Fatalf("expected SelfUser to be 0 before Start, got %d", c.SelfUser())
	}
}
