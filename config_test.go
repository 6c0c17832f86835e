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
	"os"
	"path/filepath"
	"testing"
)

const testConfigYAML = `
token: "abc123"
intents:
  - guilds
  - guild_messages
sharding:
  total_bot_shards: 4
  shards: 2
  offset: 0
manager:
  disable_bucket_ratelimits: true
  bucket_cooldown_ms: 1000
  custom_get_gateway_bot_url: "https://proxy.example/api/gatewaybot"
shard:
  large_threshold: 100
  version: "10"
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadConfigFile_ParsesFields(t *testing.T) {
	path := writeTestConfig(t)

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Token != "abc123" {
		t.Fatalf("expected token abc123, got %q", cfg.Token)
	}
	if len(cfg.Intents) != 2 || cfg.Intents[0] != "guilds" || cfg.Intents[1] != "guild_messages" {
		t.Fatalf("unexpected intents: %v", cfg.Intents)
	}
	if cfg.Sharding.TotalBotShards != 4 || cfg.Sharding.Shards != 2 {
		t.Fatalf("unexpected sharding: %+v", cfg.Sharding)
	}
	if !cfg.Manager.DisableBucketRatelimits {
		t.Fatal("expected disable_bucket_ratelimits to be true")
	}
}

func TestLoadConfigFile_MissingFile(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestFileConfig_OptionsProducesWorkingClient(t *testing.T) {
	path := writeTestConfig(t)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}

	c := New(context.Background(), cfg.Options()...)

	if c.token != "abc123" {
		t.Fatalf("expected token abc123, got %q", c.token)
	}
	if !c.intents.Has(IntentGuilds) || !c.intents.Has(IntentGuildMessages) {
		t.Fatal("expected intents parsed from the config file to be applied")
	}
	if c.sharding.TotalBotShards != 4 || c.sharding.Shards != 2 {
		t.Fatalf("unexpected sharding on client: %+v", c.sharding)
	}
	if !c.disableBucketRatelimits {
		t.Fatal("expected disable_bucket_ratelimits to carry through to the client")
	}
	if c.shardConfig.LargeThreshold != 100 {
		t.Fatalf("expected large_threshold 100, got %d", c.shardConfig.LargeThreshold)
	}
	if c.customGetGatewayBotURL != "https://proxy.example/api/gatewaybot" {
		t.Fatalf("expected custom_get_gateway_bot_url to carry through to the client, got %q", c.customGetGatewayBotURL)
	}
}

func TestFileConfig_UnknownIntentNameIsIgnored(t *testing.T) {
	f := &FileConfig{Intents: []string{"guilds", "not_a_real_intent"}}
	c := New(context.Background(), f.Options()...)
	if !c.intents.Has(IntentGuilds) {
		t.Fatal("expected the known intent to still apply")
	}
}
