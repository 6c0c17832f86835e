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

import "testing"

func testCache() *Cache {
	return NewCache(DefaultCacheConfig(), nil)
}

func TestCache_ProjectionDropsUnlistedFields(t *testing.T) {
	c := NewCache(CacheConfig{Projections: map[CacheKind][]string{
		KindUsers: {"username"},
	}}, nil)

	c.HandleDispatch("USER_UPDATE", map[string]any{
		"id":            "1",
		"username":      "ada",
		"discriminator": "0001",
	})

	u, ok := c.GetUser(1)
	if !ok {
		t.Fatal("expected user to be cached")
	}
	if u["username"] != "ada" {
		t.Fatalf("expected username to survive projection, got %v", u["username"])
	}
	if _, ok := u["discriminator"]; ok {
		t.Fatal("discriminator should have been dropped by the projection set")
	}
	if _, ok := u["id"]; !ok {
		t.Fatal("id is an identifying key and must always survive")
	}
}

func TestCache_MergePreservesUntouchedFields(t *testing.T) {
	c := testCache()
	c.HandleDispatch("CHANNEL_CREATE", map[string]any{
		"id": "10", "guild_id": "1", "name": "general", "topic": "chat",
	})
	c.HandleDispatch("CHANNEL_UPDATE", map[string]any{
		"id": "10", "guild_id": "1", "name": "general-renamed",
	})

	ch, ok := c.GetChannel(10)
	if !ok {
		t.Fatal("expected channel to be cached")
	}
	if ch["name"] != "general-renamed" {
		t.Fatalf("expected updated name, got %v", ch["name"])
	}
	if ch["topic"] != "chat" {
		t.Fatalf("expected untouched field to survive merge, got %v", ch["topic"])
	}
}

func TestCache_ChannelCreateMutatesParentGuildList(t *testing.T) {
	c := testCache()
	c.HandleDispatch("GUILD_CREATE", map[string]any{
		"id": "1", "name": "home",
		"channels": []any{
			map[string]any{"id": "10", "guild_id": "1", "name": "general"},
		},
	})
	c.HandleDispatch("CHANNEL_CREATE", map[string]any{
		"id": "11", "guild_id": "1", "name": "off-topic",
	})

	g, ok := c.GetGuild(1)
	if !ok {
		t.Fatal("expected guild to be cached")
	}
	ids := stringsOf(g["channels"])
	if len(ids) != 2 {
		t.Fatalf("expected 2 channel ids on the guild after create, got %v", ids)
	}
	found := false
	for _, id := range ids {
		if id == "11" {
			found = true
		}
	}
	if !found {
		t.Fatal("newly created channel id missing from parent guild's channels list")
	}
}

func TestCache_ChannelDeleteMutatesParentGuildList(t *testing.T) {
	c := testCache()
	c.HandleDispatch("GUILD_CREATE", map[string]any{
		"id": "1", "name": "home",
		"channels": []any{
			map[string]any{"id": "10", "guild_id": "1"},
			map[string]any{"id": "11", "guild_id": "1"},
		},
	})
	c.HandleDispatch("CHANNEL_DELETE", map[string]any{"id": "10", "guild_id": "1"})

	g, _ := c.GetGuild(1)
	ids := stringsOf(g["channels"])
	for _, id := range ids {
		if id == "10" {
			t.Fatal("deleted channel id should have been removed from the guild's channels list, not just discarded from a filtered copy")
		}
	}
	if _, ok := c.GetChannel(10); ok {
		t.Fatal("deleted channel should no longer be cached")
	}
}

func TestCache_MemberAddAndRemoveUpdatesGuildListAndCount(t *testing.T) {
	c := testCache()
	c.HandleDispatch("GUILD_CREATE", map[string]any{"id": "1", "name": "home"})
	c.HandleDispatch("GUILD_MEMBER_ADD", map[string]any{
		"guild_id": "1",
		"user":     map[string]any{"id": "100", "username": "ada"},
	})

	if c.GuildMemberCount(1) != 1 {
		t.Fatalf("expected 1 member, got %d", c.GuildMemberCount(1))
	}
	g, _ := c.GetGuild(1)
	if ids := stringsOf(g["members"]); len(ids) != 1 || ids[0] != "100" {
		t.Fatalf("expected guild members list [100], got %v", ids)
	}

	c.HandleDispatch("GUILD_MEMBER_REMOVE", map[string]any{
		"guild_id": "1",
		"user":     map[string]any{"id": "100"},
	})
	if c.GuildMemberCount(1) != 0 {
		t.Fatal("expected member count to drop to 0 after removal")
	}
	g, _ = c.GetGuild(1)
	if ids := stringsOf(g["members"]); len(ids) != 0 {
		t.Fatalf("expected empty guild members list after removal, got %v", ids)
	}
}

func TestCache_GuildListsKeepUpdatingWhenSiblingKindDisabled(t *testing.T) {
	c := NewCache(CacheConfig{Projections: map[CacheKind][]string{
		KindGuilds: {"id", "name", "roles", "members"},
		// KindRoles and KindMembers are intentionally absent: the guild's
		// roles/members id lists must still track inserts and removals.
	}}, nil)

	c.HandleDispatch("GUILD_CREATE", map[string]any{"id": "1", "name": "home"})
	c.HandleDispatch("GUILD_ROLE_CREATE", map[string]any{
		"guild_id": "1", "role": map[string]any{"id": "20"},
	})
	c.HandleDispatch("GUILD_MEMBER_ADD", map[string]any{
		"guild_id": "1", "user": map[string]any{"id": "100"},
	})

	g, ok := c.GetGuild(1)
	if !ok {
		t.Fatal("expected guild to be cached")
	}
	if ids := stringsOf(g["roles"]); len(ids) != 1 || ids[0] != "20" {
		t.Fatalf("expected guild roles list to update despite KindRoles being disabled, got %v", ids)
	}
	if ids := stringsOf(g["members"]); len(ids) != 1 || ids[0] != "100" {
		t.Fatalf("expected guild members list to update despite KindMembers being disabled, got %v", ids)
	}

	c.HandleDispatch("GUILD_ROLE_DELETE", map[string]any{"guild_id": "1", "role_id": "20"})
	c.HandleDispatch("GUILD_MEMBER_REMOVE", map[string]any{
		"guild_id": "1", "user": map[string]any{"id": "100"},
	})

	g, _ = c.GetGuild(1)
	if ids := stringsOf(g["roles"]); len(ids) != 0 {
		t.Fatalf("expected guild roles list to shrink despite KindRoles being disabled, got %v", ids)
	}
	if ids := stringsOf(g["members"]); len(ids) != 0 {
		t.Fatalf("expected guild members list to shrink despite KindMembers being disabled, got %v", ids)
	}
}

func TestCache_VoiceStateRemovalOfLastChildDropsGuildSubmap(t *testing.T) {
	c := testCache()
	c.HandleDispatch("VOICE_STATE_UPDATE", map[string]any{
		"guild_id": "1", "user_id": "100", "channel_id": "50", "session_id": "abc",
	})
	if _, ok := c.GetVoiceState(1, 100); !ok {
		t.Fatal("expected voice state to be cached")
	}

	c.HandleDispatch("VOICE_STATE_UPDATE", map[string]any{
		"guild_id": "1", "user_id": "100", "channel_id": nil,
	})
	if _, ok := c.GetVoiceState(1, 100); ok {
		t.Fatal("expected voice state to be evicted on disconnect (nil channel_id)")
	}
}

func TestCache_GuildDeleteAtomicEviction(t *testing.T) {
	c := testCache()
	c.HandleDispatch("GUILD_CREATE", map[string]any{
		"id": "1", "name": "home",
		"channels": []any{map[string]any{"id": "10", "guild_id": "1"}},
		"roles":    []any{map[string]any{"id": "20", "guild_id": "1"}},
		"members": []any{
			map[string]any{"user": map[string]any{"id": "100"}},
		},
	})

	c.HandleDispatch("GUILD_DELETE", map[string]any{"id": "1"})

	if _, ok := c.GetGuild(1); ok {
		t.Fatal("guild should be evicted")
	}
	if _, ok := c.GetChannel(10); ok {
		t.Fatal("guild's channel should be evicted alongside the guild")
	}
	if c.GuildMemberCount(1) != 0 {
		t.Fatal("guild's members should be evicted alongside the guild")
	}
}

func TestCache_GuildDeleteUnavailableKeepsGuildMarkedUnavailable(t *testing.T) {
	c := testCache()
	c.HandleDispatch("GUILD_CREATE", map[string]any{"id": "1", "name": "home"})
	c.HandleDispatch("GUILD_DELETE", map[string]any{"id": "1", "unavailable": true})

	g, ok := c.GetGuild(1)
	if !ok {
		t.Fatal("an unavailable GuildDelete must not evict the guild")
	}
	if unavailable, _ := g["unavailable"].(bool); !unavailable {
		t.Fatal("expected guild to be marked unavailable")
	}
}

func TestCache_DisabledKindIsNeverPopulated(t *testing.T) {
	c := NewCache(CacheConfig{Projections: map[CacheKind][]string{
		KindGuilds: {"id", "name"},
	}}, nil)

	c.HandleDispatch("CHANNEL_CREATE", map[string]any{"id": "10", "guild_id": "1"})
	if _, ok := c.GetChannel(10); ok {
		t.Fatal("channels kind was not in the projection config and must stay empty")
	}
}
