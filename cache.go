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

import "sync"

// entity is a field-projected generic view of a server object: only the
// fields named in that kind's projection set survive (plus identifying
// keys, always). A fixed Go struct can't express a runtime-configured
// allow-list, so entities are plain maps.
type entity map[string]any

func cloneEntity(e entity) entity {
	out := make(entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// mergeEntity applies a shallow field-wise merge: present, non-nil values
// in incoming override dst; fields incoming doesn't carry are left alone.
// Only keys present in keep (or always-kept identifying keys) are written.
func mergeEntity(dst entity, incoming map[string]any, keep map[string]struct{}) {
	for k, v := range incoming {
		if v == nil {
			continue
		}
		if _, ok := keep[k]; !ok && !isIdentifyingKey(k) {
			continue
		}
		dst[k] = v
	}
}

func isIdentifyingKey(k string) bool {
	return k == "id" || k == "user_id" || k == "guild_id"
}

// CacheKind names one of the seven projectable entity kinds spec.md §3/§4.3
// define.
type CacheKind int

const (
	KindChannels CacheKind = iota
	KindGuilds
	KindMembers
	KindPresences
	KindRoles
	KindUsers
	KindVoiceStates
)

// CacheConfig configures the cache's projection sets. A kind absent from
// this map (or given a nil slice) is disabled: its map is never created and
// dispatches touching it are ignored.
type CacheConfig struct {
	Projections map[CacheKind][]string
}

func (c CacheConfig) keepSet(kind CacheKind) (map[string]struct{}, bool) {
	fields, ok := c.Projections[kind]
	if !ok || fields == nil {
		return nil, false
	}
	keep := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		keep[f] = struct{}{}
	}
	return keep, true
}

// DefaultCacheConfig projects the fields most consumers need from every
// kind, trading memory for completeness; callers with tighter memory
// budgets should build a narrower CacheConfig directly.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Projections: map[CacheKind][]string{
			KindChannels: {
				"id", "guild_id", "type", "name", "position", "parent_id",
				"topic", "nsfw", "last_message_id", "permission_overwrites",
			},
			KindGuilds: {
				"id", "name", "icon", "owner_id", "afk_channel_id",
				"verification_level", "member_count", "channels", "roles",
				"members", "unavailable", "large",
			},
			KindMembers: {
				"user", "nick", "roles", "joined_at", "deaf", "mute", "pending",
			},
			KindPresences: {
				"user", "status", "activities", "client_status",
			},
			KindRoles: {
				"id", "guild_id", "name", "color", "position", "permissions", "managed",
			},
			KindUsers: {
				"id", "username", "discriminator", "global_name", "avatar", "bot",
			},
			KindVoiceStates: {
				"user_id", "channel_id", "session_id", "deaf", "mute", "self_mute", "self_deaf",
			},
		},
	}
}

// Cache is the projected, in-memory view of gateway entities spec.md §4.3
// describes. Unlike a per-kind-mutex design, every mutation that must be
// atomic (guild eviction, removal of a guild-scoped sub-map's last child)
// takes the single top-level lock, so no observer can see a half-evicted
// guild.
type Cache struct {
	mu  sync.RWMutex
	cfg CacheConfig
	log LogFunc

	channels    map[Snowflake]entity
	guilds      map[Snowflake]entity
	users       map[Snowflake]entity
	roles       map[Snowflake]entity
	members     map[Snowflake]map[Snowflake]entity
	presences   map[Snowflake]map[Snowflake]entity
	voiceStates map[Snowflake]map[Snowflake]entity

	selfUser Snowflake
}

// NewCache builds a Cache; only kinds present in cfg.Projections get a
// backing map, per the projection contract.
func NewCache(cfg CacheConfig, log LogFunc) *Cache {
	if log == nil {
		log = noopLog
	}
	c := &Cache{cfg: cfg, log: log}
	if _, ok := cfg.keepSet(KindChannels); ok {
		c.channels = make(map[Snowflake]entity)
	}
	if _, ok := cfg.keepSet(KindGuilds); ok {
		c.guilds = make(map[Snowflake]entity)
	}
	if _, ok := cfg.keepSet(KindUsers); ok {
		c.users = make(map[Snowflake]entity)
	}
	if _, ok := cfg.keepSet(KindRoles); ok {
		c.roles = make(map[Snowflake]entity)
	}
	if _, ok := cfg.keepSet(KindMembers); ok {
		c.members = make(map[Snowflake]map[Snowflake]entity)
	}
	if _, ok := cfg.keepSet(KindPresences); ok {
		c.presences = make(map[Snowflake]map[Snowflake]entity)
	}
	if _, ok := cfg.keepSet(KindVoiceStates); ok {
		c.voiceStates = make(map[Snowflake]map[Snowflake]entity)
	}
	return c
}

func snowflakeOf(m map[string]any, key string) Snowflake {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case string:
		sf, _ := ParseSnowflake(t)
		return sf
	case float64:
		return Snowflake(t)
	}
	return 0
}

func stringsOf(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func prependID(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	out := make([]string, 0, len(list)+1)
	out = append(out, id)
	out = append(out, list...)
	return out
}

func removeID(list []string, id string) []string {
	out := make([]string, 0, len(list))
	for _, existing := range list {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// upsertFlat merges (or inserts) raw into kind's flat map, honoring the
// projection set. Caller holds c.mu.
func (c *Cache) upsertFlat(m map[Snowflake]entity, kind CacheKind, id Snowflake, raw map[string]any) entity {
	if m == nil {
		return nil
	}
	keep, _ := c.cfg.keepSet(kind)
	cur, ok := m[id]
	if !ok {
		cur = entity{}
	}
	mergeEntity(cur, raw, keep)
	m[id] = cur
	return cur
}

// upsertGuildScoped merges into the guildID->userID->entity map, honoring
// the projection set. Caller holds c.mu.
func (c *Cache) upsertGuildScoped(m map[Snowflake]map[Snowflake]entity, kind CacheKind, guildID, userID Snowflake, raw map[string]any) {
	if m == nil {
		return
	}
	keep, _ := c.cfg.keepSet(kind)
	sub, ok := m[guildID]
	if !ok {
		sub = make(map[Snowflake]entity)
		m[guildID] = sub
	}
	cur, ok := sub[userID]
	if !ok {
		cur = entity{}
	}
	mergeEntity(cur, raw, keep)
	sub[userID] = cur
}

// removeGuildScoped deletes one child and, per the removal-of-last-child
// invariant, the guild's sub-map itself if that empties it. Caller holds
// c.mu.
func removeGuildScoped(m map[Snowflake]map[Snowflake]entity, guildID, userID Snowflake) {
	if m == nil {
		return
	}
	sub, ok := m[guildID]
	if !ok {
		return
	}
	delete(sub, userID)
	if len(sub) == 0 {
		delete(m, guildID)
	}
}

// HandleDispatch applies one dispatch to the cache per spec.md §4.3's
// per-event rules. t is the dispatch discriminant ("GUILD_CREATE", etc.);
// d is the already-decoded payload object.
func (c *Cache) HandleDispatch(t string, d map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch t {
	case "READY":
		c.handleReady(d)
	case "CHANNEL_CREATE", "THREAD_CREATE":
		c.handleChannelCreate(d)
	case "CHANNEL_UPDATE", "THREAD_UPDATE":
		c.upsertFlat(c.channels, KindChannels, snowflakeOf(d, "id"), d)
	case "CHANNEL_DELETE", "THREAD_DELETE":
		c.handleChannelDelete(d)
	case "CHANNEL_PINS_UPDATE":
		c.upsertFlat(c.channels, KindChannels, snowflakeOf(d, "channel_id"), d)
	case "GUILD_CREATE":
		c.handleGuildCreate(d)
	case "GUILD_UPDATE":
		c.upsertFlat(c.guilds, KindGuilds, snowflakeOf(d, "id"), reduceGuildLists(d))
	case "GUILD_DELETE":
		c.handleGuildDelete(d)
	case "GUILD_EMOJIS_UPDATE":
		c.patchGuildListField(snowflakeOf(d, "guild_id"), "emojis", d["emojis"])
	case "GUILD_STICKERS_UPDATE":
		c.patchGuildListField(snowflakeOf(d, "guild_id"), "stickers", d["stickers"])
	case "GUILD_SCHEDULED_EVENT_CREATE", "GUILD_SCHEDULED_EVENT_UPDATE":
		c.upsertInGuildList(snowflakeOf(d, "guild_id"), "guild_scheduled_events", d)
	case "GUILD_SCHEDULED_EVENT_DELETE":
		c.removeFromGuildList(snowflakeOf(d, "guild_id"), "guild_scheduled_events", idString(d))
	case "GUILD_MEMBER_ADD":
		c.handleMemberUpsert(d)
	case "GUILD_MEMBER_UPDATE":
		c.handleMemberUpsert(d)
	case "GUILD_MEMBER_REMOVE":
		c.handleMemberRemove(d)
	case "GUILD_MEMBERS_CHUNK":
		c.handleMembersChunk(d)
	case "GUILD_ROLE_CREATE", "GUILD_ROLE_UPDATE":
		c.handleRoleUpsert(d)
	case "GUILD_ROLE_DELETE":
		c.handleRoleDelete(d)
	case "MESSAGE_CREATE":
		c.handleMessageCreate(d)
	case "PRESENCE_UPDATE":
		c.handlePresenceUpdate(d)
	case "STAGE_INSTANCE_CREATE", "STAGE_INSTANCE_UPDATE":
		c.upsertInGuildList(snowflakeOf(d, "guild_id"), "stage_instances", d)
	case "STAGE_INSTANCE_DELETE":
		c.removeFromGuildList(snowflakeOf(d, "guild_id"), "stage_instances", idString(d))
	case "USER_UPDATE":
		id := snowflakeOf(d, "id")
		c.upsertFlat(c.users, KindUsers, id, d)
		c.selfUser = id
	case "VOICE_STATE_UPDATE":
		c.handleVoiceStateUpdate(d)
	}
}

func idString(d map[string]any) string {
	if s, ok := d["id"].(string); ok {
		return s
	}
	return snowflakeOf(d, "id").String()
}

func (c *Cache) handleReady(d map[string]any) {
	if c.guilds != nil {
		if guilds, ok := d["guilds"].([]any); ok {
			for _, g := range guilds {
				gm, ok := g.(map[string]any)
				if !ok {
					continue
				}
				id := snowflakeOf(gm, "id")
				c.upsertFlat(c.guilds, KindGuilds, id, map[string]any{"id": gm["id"], "unavailable": true})
			}
		}
	}
	if c.users != nil {
		if self, ok := d["user"].(map[string]any); ok {
			id := snowflakeOf(self, "id")
			c.upsertFlat(c.users, KindUsers, id, self)
			c.selfUser = id
		}
	}
}

func (c *Cache) handleChannelCreate(d map[string]any) {
	c.upsertFlat(c.channels, KindChannels, snowflakeOf(d, "id"), d)
	guildID := snowflakeOf(d, "guild_id")
	if guildID == 0 || c.guilds == nil {
		return
	}
	c.mutateGuildList(guildID, "channels", func(list []string) []string {
		return prependID(list, idString(d))
	})
}

func (c *Cache) handleChannelDelete(d map[string]any) {
	id := snowflakeOf(d, "id")
	if c.channels != nil {
		delete(c.channels, id)
	}
	guildID := snowflakeOf(d, "guild_id")
	if guildID == 0 || c.guilds == nil {
		return
	}
	c.mutateGuildList(guildID, "channels", func(list []string) []string {
		return removeID(list, id.String())
	})
}

// mutateGuildList rewrites one list field of the guild entry in place,
// fixing the bug a filter-and-discard implementation would have: the
// mutated list is written back onto the cached guild, not dropped.
func (c *Cache) mutateGuildList(guildID Snowflake, field string, mutate func([]string) []string) {
	g, ok := c.guilds[guildID]
	if !ok {
		return
	}
	cur := stringsOf(g[field])
	next := mutate(cur)
	anyList := make([]any, len(next))
	for i, s := range next {
		anyList[i] = s
	}
	g[field] = anyList
}

func (c *Cache) patchGuildListField(guildID Snowflake, field string, value any) {
	if value == nil || c.guilds == nil {
		return
	}
	g, ok := c.guilds[guildID]
	if !ok {
		return
	}
	g[field] = value
}

func (c *Cache) upsertInGuildList(guildID Snowflake, field string, item map[string]any) {
	if c.guilds == nil {
		return
	}
	g, ok := c.guilds[guildID]
	if !ok {
		return
	}
	list, _ := g[field].([]any)
	id := idString(item)
	replaced := false
	for i, e := range list {
		em, ok := e.(map[string]any)
		if ok && idString(em) == id {
			list[i] = item
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, item)
	}
	g[field] = list
}

func (c *Cache) removeFromGuildList(guildID Snowflake, field, id string) {
	if c.guilds == nil {
		return
	}
	g, ok := c.guilds[guildID]
	if !ok {
		return
	}
	list, _ := g[field].([]any)
	out := make([]any, 0, len(list))
	for _, e := range list {
		em, ok := e.(map[string]any)
		if ok && idString(em) == id {
			continue
		}
		out = append(out, e)
	}
	g[field] = out
}

// reduceGuildLists replaces channels/members/roles list fields carried in a
// full guild snapshot with id-array form, the list-reduction
// GuildCreate/GuildUpdate both perform (spec.md §3's invariant: Guild list
// fields are id strings, full objects live in their own maps).
func reduceGuildLists(d map[string]any) map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v
	}
	for _, field := range []string{"channels", "members", "roles"} {
		list, ok := d[field].([]any)
		if !ok {
			continue
		}
		ids := make([]any, 0, len(list))
		for _, e := range list {
			em, ok := e.(map[string]any)
			if !ok {
				continue
			}
			if field == "members" {
				if user, ok := em["user"].(map[string]any); ok {
					ids = append(ids, idString(user))
					continue
				}
			}
			ids = append(ids, idString(em))
		}
		out[field] = ids
	}
	return out
}

func (c *Cache) handleGuildCreate(d map[string]any) {
	guildID := snowflakeOf(d, "id")

	if channels, ok := d["channels"].([]any); ok && c.channels != nil {
		for _, ch := range channels {
			chm, ok := ch.(map[string]any)
			if !ok {
				continue
			}
			chm["guild_id"] = d["id"]
			c.upsertFlat(c.channels, KindChannels, snowflakeOf(chm, "id"), chm)
		}
	}

	if members, ok := d["members"].([]any); ok {
		for _, m := range members {
			mm, ok := m.(map[string]any)
			if !ok {
				continue
			}
			user, _ := mm["user"].(map[string]any)
			userID := snowflakeOf(user, "id")
			if c.members != nil {
				c.upsertGuildScoped(c.members, KindMembers, guildID, userID, mm)
			}
			if c.users != nil && user != nil {
				c.upsertFlat(c.users, KindUsers, userID, user)
			}
		}
	}

	if presences, ok := d["presences"].([]any); ok && c.presences != nil {
		for _, p := range presences {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			userID := snowflakeOf(userOrFlat(pm), "id")
			c.upsertGuildScoped(c.presences, KindPresences, guildID, userID, pm)
		}
	}

	if roles, ok := d["roles"].([]any); ok && c.roles != nil {
		for _, r := range roles {
			rm, ok := r.(map[string]any)
			if !ok {
				continue
			}
			rm["guild_id"] = d["id"]
			c.upsertFlat(c.roles, KindRoles, snowflakeOf(rm, "id"), rm)
		}
	}

	if voiceStates, ok := d["voice_states"].([]any); ok && c.voiceStates != nil {
		for _, v := range voiceStates {
			vm, ok := v.(map[string]any)
			if !ok {
				continue
			}
			vm["guild_id"] = d["id"]
			userID := snowflakeOf(vm, "user_id")
			c.upsertGuildScoped(c.voiceStates, KindVoiceStates, guildID, userID, vm)
		}
	}

	if c.guilds != nil {
		c.upsertFlat(c.guilds, KindGuilds, guildID, reduceGuildLists(d))
	}
}

func userOrFlat(m map[string]any) map[string]any {
	if u, ok := m["user"].(map[string]any); ok {
		return u
	}
	return m
}

// handleGuildDelete implements spec.md §4.3's atomic-eviction rule: every
// map keyed by this guild id is swept in one critical section, so no
// observer ever sees a partially-evicted guild.
func (c *Cache) handleGuildDelete(d map[string]any) {
	guildID := snowflakeOf(d, "id")
	if unavailable, _ := d["unavailable"].(bool); unavailable {
		if c.guilds != nil {
			c.upsertFlat(c.guilds, KindGuilds, guildID, d)
		}
		return
	}

	if c.channels != nil {
		for id, ch := range c.channels {
			if snowflakeOf(ch, "guild_id") == guildID {
				delete(c.channels, id)
			}
		}
	}
	if c.roles != nil {
		for id, r := range c.roles {
			if snowflakeOf(r, "guild_id") == guildID {
				delete(c.roles, id)
			}
		}
	}
	if c.members != nil {
		delete(c.members, guildID)
	}
	if c.presences != nil {
		delete(c.presences, guildID)
	}
	if c.voiceStates != nil {
		delete(c.voiceStates, guildID)
	}
	if c.guilds != nil {
		delete(c.guilds, guildID)
	}
}

func (c *Cache) handleMemberUpsert(d map[string]any) {
	guildID := snowflakeOf(d, "guild_id")
	user, _ := d["user"].(map[string]any)
	userID := snowflakeOf(user, "id")
	if c.members != nil {
		c.upsertGuildScoped(c.members, KindMembers, guildID, userID, d)
	}
	if c.guilds != nil {
		c.mutateGuildList(guildID, "members", func(list []string) []string {
			return prependID(list, idString(user))
		})
	}
	if c.users != nil && user != nil {
		c.upsertFlat(c.users, KindUsers, userID, user)
	}
}

func (c *Cache) handleMemberRemove(d map[string]any) {
	guildID := snowflakeOf(d, "guild_id")
	user, _ := d["user"].(map[string]any)
	userID := snowflakeOf(user, "id")
	if c.members != nil {
		removeGuildScoped(c.members, guildID, userID)
	}
	if c.guilds != nil {
		c.mutateGuildList(guildID, "members", func(list []string) []string {
			return removeID(list, idString(user))
		})
	}
}

func (c *Cache) handleMembersChunk(d map[string]any) {
	guildID := snowflakeOf(d, "guild_id")
	members, _ := d["members"].([]any)
	for _, m := range members {
		mm, ok := m.(map[string]any)
		if !ok {
			continue
		}
		user, _ := mm["user"].(map[string]any)
		userID := snowflakeOf(user, "id")
		if c.members != nil {
			c.upsertGuildScoped(c.members, KindMembers, guildID, userID, mm)
		}
		if c.users != nil && user != nil {
			c.upsertFlat(c.users, KindUsers, userID, user)
		}
	}
}

func (c *Cache) handleRoleUpsert(d map[string]any) {
	guildID := snowflakeOf(d, "guild_id")
	role, ok := d["role"].(map[string]any)
	if !ok {
		return
	}
	role["guild_id"] = d["guild_id"]
	if c.roles != nil {
		c.upsertFlat(c.roles, KindRoles, snowflakeOf(role, "id"), role)
	}
	if c.guilds != nil {
		c.mutateGuildList(guildID, "roles", func(list []string) []string {
			return prependID(list, idString(role))
		})
	}
}

func (c *Cache) handleRoleDelete(d map[string]any) {
	guildID := snowflakeOf(d, "guild_id")
	roleID := snowflakeOf(d, "role_id")
	if c.roles != nil {
		delete(c.roles, roleID)
	}
	if c.guilds != nil {
		c.mutateGuildList(guildID, "roles", func(list []string) []string {
			return removeID(list, roleID.String())
		})
	}
}

func (c *Cache) handleMessageCreate(d map[string]any) {
	if c.channels == nil {
		return
	}
	channelID := snowflakeOf(d, "channel_id")
	ch, ok := c.channels[channelID]
	if !ok {
		return
	}
	ch["last_message_id"] = d["id"]
}

func (c *Cache) handlePresenceUpdate(d map[string]any) {
	if c.presences == nil {
		return
	}
	guildID := snowflakeOf(d, "guild_id")
	userID := snowflakeOf(userOrFlat(d), "id")
	c.upsertGuildScoped(c.presences, KindPresences, guildID, userID, d)
}

func (c *Cache) handleVoiceStateUpdate(d map[string]any) {
	if c.voiceStates == nil {
		return
	}
	guildID := snowflakeOf(d, "guild_id")
	userID := snowflakeOf(d, "user_id")
	if d["channel_id"] == nil {
		removeGuildScoped(c.voiceStates, guildID, userID)
		return
	}
	c.upsertGuildScoped(c.voiceStates, KindVoiceStates, guildID, userID, d)
}

/***********************
 *    Read accessors   *
 ***********************/

// GetChannel returns a copy of the cached channel, if present.
func (c *Cache) GetChannel(id Snowflake) (entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.channels == nil {
		return nil, false
	}
	e, ok := c.channels[id]
	if !ok {
		return nil, false
	}
	return cloneEntity(e), true
}

// GetGuild returns a copy of the cached guild, if present.
func (c *Cache) GetGuild(id Snowflake) (entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.guilds == nil {
		return nil, false
	}
	e, ok := c.guilds[id]
	if !ok {
		return nil, false
	}
	return cloneEntity(e), true
}

// GetUser returns a copy of the cached user, if present.
func (c *Cache) GetUser(id Snowflake) (entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.users == nil {
		return nil, false
	}
	e, ok := c.users[id]
	if !ok {
		return nil, false
	}
	return cloneEntity(e), true
}

// GetMember returns a copy of the cached guild member, if present.
func (c *Cache) GetMember(guildID, userID Snowflake) (entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.members == nil {
		return nil, false
	}
	sub, ok := c.members[guildID]
	if !ok {
		return nil, false
	}
	e, ok := sub[userID]
	if !ok {
		return nil, false
	}
	return cloneEntity(e), true
}

// GetVoiceState returns a copy of the cached voice state, if present.
func (c *Cache) GetVoiceState(guildID, userID Snowflake) (entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.voiceStates == nil {
		return nil, false
	}
	sub, ok := c.voiceStates[guildID]
	if !ok {
		return nil, false
	}
	e, ok := sub[userID]
	if !ok {
		return nil, false
	}
	return cloneEntity(e), true
}

// GuildMemberCount returns the number of cached members for a guild.
func (c *Cache) GuildMemberCount(guildID Snowflake) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.members == nil {
		return 0
	}
	return len(c.members[guildID])
}

// SelfUser returns the id of the bot's own user, set from Ready/UserUpdate.
func (c *Cache) SelfUser() Snowflake {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfUser
}
