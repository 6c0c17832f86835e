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
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// intentByName maps the wire-level intent names to their GatewayIntent
// flag, so a FileConfig's "intents" list can be written in plain English
// instead of bit literals.
var intentByName = map[string]GatewayIntent{
	"guilds":                   IntentGuilds,
	"guild_members":            IntentGuildMembers,
	"guild_moderation":         IntentGuildModeration,
	"guild_expressions":        IntentGuildExpressions,
	"guild_integrations":       IntentGuildIntegrations,
	"guild_webhooks":           IntentGuildWebhooks,
	"guild_invites":            IntentGuildInvites,
	"guild_voice_states":       IntentGuildVoiceStates,
	"guild_presences":          IntentGuildPresences,
	"guild_messages":           IntentGuildMessages,
	"guild_message_reactions":  IntentGuildMessageReactions,
	"guild_message_typing":     IntentGuildMessageTyping,
	"direct_messages":          IntentDirectMessages,
	"direct_message_reactions": IntentDirectMessageReactions,
	"direct_message_typing":    IntentDirectMessageTyping,
	"message_content":          IntentMessageContent,
	"guild_scheduled_events":   IntentGuildScheduledEvents,
}

// FileConfig is the YAML-file shape of a Client's configuration, grounded
// on Sandwich-Daemon's config.yaml layout. It covers the token, intents,
// sharding, manager and shard options; the cache, logging, HTTP client and
// handler-execution options have no file form. Options converts it into a
// []clientOption so the two configuration paths land on the same Client.
type FileConfig struct {
	Token   string   `yaml:"token"`
	Intents []string `yaml:"intents"`

	Sharding struct {
		TotalBotShards int `yaml:"total_bot_shards"`
		Shards         int `yaml:"shards"`
		Offset         int `yaml:"offset"`
	} `yaml:"sharding"`

	Manager struct {
		DisableBucketRatelimits bool   `yaml:"disable_bucket_ratelimits"`
		CustomGatewaySocketURL  string `yaml:"custom_gateway_socket_url"`
		CustomGetGatewayBotURL  string `yaml:"custom_get_gateway_bot_url"`
		BucketCooldownMs        int    `yaml:"bucket_cooldown_ms"`
	} `yaml:"manager"`

	Shard struct {
		LargeThreshold      int    `yaml:"large_threshold"`
		SpawnAttemptDelayMs int    `yaml:"spawn_attempt_delay_ms"`
		SpawnMaxAttempts    int    `yaml:"spawn_max_attempts"`
		SpawnTimeoutMs      int    `yaml:"spawn_timeout_ms"`
		Version             string `yaml:"version"`
		SocketURL           string `yaml:"socket_url"`
	} `yaml:"shard"`
}

// LoadConfigFile reads and parses a YAML config file at path.
func LoadConfigFile(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &FileConfig{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Options converts f into client options. Pass the result before any
// options of your own to New so code-level options win over the file:
//
//	opts := fileCfg.Options()
//	client := gatewire.New(ctx, append(opts, gatewire.WithToken(override))...)
func (f *FileConfig) Options() []clientOption {
	var opts []clientOption

	if f.Token != "" {
		opts = append(opts, WithToken(f.Token))
	}

	if len(f.Intents) > 0 {
		intents := make([]GatewayIntent, 0, len(f.Intents))
		for _, name := range f.Intents {
			if i, ok := intentByName[name]; ok {
				intents = append(intents, i)
			}
		}
		opts = append(opts, WithIntents(intents...))
	}

	opts = append(opts, WithSharding(ShardingConfig{
		TotalBotShards: f.Sharding.TotalBotShards,
		Shards:         f.Sharding.Shards,
		Offset:         f.Sharding.Offset,
	}))

	if f.Manager.DisableBucketRatelimits {
		opts = append(opts, WithDisableBucketRatelimits())
	}
	if f.Manager.CustomGatewaySocketURL != "" {
		opts = append(opts, WithCustomGatewaySocketURL(f.Manager.CustomGatewaySocketURL))
	}
	if f.Manager.CustomGetGatewayBotURL != "" {
		opts = append(opts, WithCustomGetGatewayBotURL(f.Manager.CustomGetGatewayBotURL))
	}
	if f.Manager.BucketCooldownMs > 0 {
		opts = append(opts, WithBucketCooldown(time.Duration(f.Manager.BucketCooldownMs)*time.Millisecond))
	}

	shardCfg := defaultShardConfig()
	if f.Shard.LargeThreshold > 0 {
		shardCfg.LargeThreshold = f.Shard.LargeThreshold
	}
	if f.Shard.SpawnAttemptDelayMs > 0 {
		shardCfg.SpawnAttemptDelay = time.Duration(f.Shard.SpawnAttemptDelayMs) * time.Millisecond
	}
	if f.Shard.SpawnMaxAttempts > 0 {
		shardCfg.SpawnMaxAttempts = f.Shard.SpawnMaxAttempts
	}
	if f.Shard.SpawnTimeoutMs > 0 {
		shardCfg.SpawnTimeout = time.Duration(f.Shard.SpawnTimeoutMs) * time.Millisecond
	}
	if f.Shard.Version != "" {
		shardCfg.Version = f.Shard.Version
	}
	if f.Shard.SocketURL != "" {
		shardCfg.SocketURL = f.Shard.SocketURL
	}
	opts = append(opts, WithShardConfig(shardCfg))

	return opts
}
