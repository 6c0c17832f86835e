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
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
)

// ShardingConfig is the manager-level "sharding.*" option group (spec.md
// §6). TotalBotShards of 0 means "auto" (resolve from the REST topology).
type ShardingConfig struct {
	TotalBotShards int
	Shards         int // 0 means "= total"
	Offset         int
}

// ManagerConfig configures the Shard Manager, per spec.md §6's "manager"
// option group.
type ManagerConfig struct {
	Token                   string
	Sharding                ShardingConfig
	DisableBucketRatelimits bool
	CustomGatewaySocketURL  string
	CustomGetGatewayBotURL  string // override discovery, spec.md §6
	BucketCooldown          time.Duration // default 5000ms
	Shard                   ShardConfig
	Events                  ShardEvents
	Cache                   *Cache
}

func (m *ManagerConfig) cooldown() time.Duration {
	if m.BucketCooldown > 0 {
		return m.BucketCooldown
	}
	return 5000 * time.Millisecond
}

// topology is the resolved, immutable-after-connect shard layout (spec.md
// §3's Shard Manager entity).
type topology struct {
	totalBotShards int
	shardsToSpawn  int
	offset         int
	maxConcurrency int
}

// memberChunk holds one chunk_index's payload, keyed so a duplicate index
// overwrites rather than duplicates (spec.md §4.2: "later chunks overwrite
// earlier").
type memberChunk struct {
	members   []any
	presences []any
	notFound  []any
}

// nonceListener accumulates chunks for one in-flight RequestGuildMembers
// call, spec.md §4.2's scatter/gather protocol.
type nonceListener struct {
	guildID    Snowflake
	mu         sync.Mutex
	chunks     map[int]memberChunk
	chunkCount int
	done       chan struct{}
	doneOnce   sync.Once
}

// MembersResult is what a RequestGuildMembers call resolves with: the
// union of members/presences/not_found across every chunk received.
type MembersResult struct {
	Members   []any
	Presences []any
	NotFound  []any
}

// ShardManager owns the shard set, topology, routing and event relay
// spec.md §4.2 describes.
type ShardManager struct {
	cfg  ManagerConfig
	rest *restApi
	log  LogFunc
	cache *Cache

	mu       sync.RWMutex
	shards   map[int]*Shard
	topology topology
	selfUser Snowflake

	nonceCounter  atomic.Uint64
	listenersMu   sync.Mutex
	listeners     map[string]*nonceListener

	// WildcardDispatch fires before the typed handler for every dispatch;
	// Dispatch fires per kind. Both run after the cache has already
	// observed the event, per spec.md §4.2's event-relay ordering.
	WildcardDispatch func(shardID int, t string, d map[string]any)
	Dispatch         func(shardID int, t string, d map[string]any)
}

// NewShardManager resolves nothing yet; call Connect to discover/validate
// topology and spawn shards.
func NewShardManager(cfg ManagerConfig, rest *restApi, log LogFunc) *ShardManager {
	if log == nil {
		log = noopLog
	}
	return &ShardManager{
		cfg:       cfg,
		rest:      rest,
		log:       log,
		cache:     cfg.Cache,
		shards:    make(map[int]*Shard),
		listeners: make(map[string]*nonceListener),
	}
}

// resolveTopology implements spec.md §4.2's topology computation and
// rejection rules.
func (m *ShardManager) resolveTopology(ctx context.Context) (topology, error) {
	var bot *gatewayBot
	if m.cfg.CustomGetGatewayBotURL != "" {
		b, err := m.rest.getGatewayBotAt(m.cfg.CustomGetGatewayBotURL)
		if err != nil {
			return topology{}, wrapGatewayError(ErrInvalidRestResponse, "manager", "get gateway bot failed", err)
		}
		bot = b
	} else if m.rest != nil {
		b, err := m.rest.getGatewayBot().wait()
		if err != nil {
			return topology{}, wrapGatewayError(ErrInvalidRestResponse, "manager", "get gateway bot failed", err)
		}
		bot = b
	}

	total := m.cfg.Sharding.TotalBotShards
	if total <= 0 {
		if bot == nil {
			return topology{}, newGatewayError(ErrInvalidShardConfig, "manager", "auto shard count requires a REST client")
		}
		total = bot.Shards
	}

	toSpawn := m.cfg.Sharding.Shards
	if toSpawn <= 0 {
		toSpawn = total
	}
	offset := m.cfg.Sharding.Offset

	if total < toSpawn || total <= offset || total < toSpawn+offset {
		return topology{}, newGatewayError(ErrInvalidShardConfig, "manager", "inconsistent total/shards/offset")
	}

	if bot != nil && toSpawn > bot.SessionStartLimit.Remaining {
		return topology{}, newGatewayError(ErrSessionStartLimitReached, "manager", "not enough session starts remaining")
	}

	maxConcurrency := 1
	if bot != nil && bot.SessionStartLimit.MaxConcurrency > 0 {
		maxConcurrency = bot.SessionStartLimit.MaxConcurrency
	}

	return topology{
		totalBotShards: total,
		shardsToSpawn:  toSpawn,
		offset:         offset,
		maxConcurrency: maxConcurrency,
	}, nil
}

// Connect resolves topology (rejecting bad configs per spec.md §4.2) and
// spawns every shard under the bucketed-wave protocol. It returns once
// every wave's spawns have finished; a shard whose spawn attempts are
// exhausted is logged and left Idle, and is not retried.
func (m *ShardManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if len(m.shards) > 0 {
		m.mu.Unlock()
		return newGatewayError(ErrGatewayAlreadyConnected, "manager", "connect called while shards exist")
	}
	m.mu.Unlock()

	topo, err := m.resolveTopology(ctx)
	if err != nil {
		return err
	}

	shardCfg := m.cfg.Shard
	if m.cfg.CustomGatewaySocketURL != "" {
		shardCfg.SocketURL = m.cfg.CustomGatewaySocketURL
	}

	m.mu.Lock()
	m.topology = topo
	for id := topo.offset; id < topo.offset+topo.shardsToSpawn; id++ {
		m.shards[id] = newShard(id, topo.totalBotShards, m.cfg.Token, shardCfg, m.log, m.shardEvents())
	}
	m.mu.Unlock()

	return m.spawnBuckets(ctx, topo)
}

// shardEvents wraps the caller's ShardEvents so the manager can feed
// dispatches to the cache and relay them before the caller's own
// OnDispatch is invoked.
func (m *ShardManager) shardEvents() ShardEvents {
	userEvents := m.cfg.Events
	return ShardEvents{
		OnStateChange: userEvents.OnStateChange,
		OnSent:        userEvents.OnSent,
		OnReceived:    userEvents.OnReceived,
		OnFatal:       userEvents.OnFatal,
		OnDispatch: func(shardID int, t string, d []byte) {
			var obj map[string]any
			if err := sonic.Unmarshal(d, &obj); err != nil {
				logAt(m.log, LogWarn, "manager", "dropping malformed dispatch payload: "+err.Error())
				return
			}
			m.relay(shardID, t, obj)
			if userEvents.OnDispatch != nil {
				userEvents.OnDispatch(shardID, t, d)
			}
		},
	}
}

// relay implements spec.md §4.2's event relay: cache first, then scatter/
// gather interception, then wildcard-before-typed emission to user code.
func (m *ShardManager) relay(shardID int, t string, d map[string]any) {
	switch t {
	case "READY":
		if self, ok := d["user"].(map[string]any); ok {
			m.mu.Lock()
			m.selfUser = snowflakeOf(self, "id")
			m.mu.Unlock()
		}
	case "USER_UPDATE":
		// The gateway only emits USER_UPDATE for the connection's own user,
		// and the dispatch payload is the user object itself.
		m.mu.Lock()
		m.selfUser = snowflakeOf(d, "id")
		m.mu.Unlock()
	}

	if m.cache != nil {
		m.cache.HandleDispatch(t, d)
	}

	if t == "GUILD_MEMBERS_CHUNK" {
		m.handleMembersChunk(d)
	}

	if m.WildcardDispatch != nil {
		m.WildcardDispatch(shardID, t, d)
	}
	if m.Dispatch != nil {
		m.Dispatch(shardID, t, d)
	}
}

// spawnBuckets runs spec.md §4.2's exact wave algorithm: bucket_id =
// shard_id mod max_concurrency, computed over the full [0, totalBotShards)
// range so that ids below offset still occupy a wave slot in their bucket
// (spec.md §9's design note) even though they are never spawned by this
// manager. This keeps wave numbering for a sharded subset identical to what
// a manager owning the full range would compute for the same ids.
func (m *ShardManager) spawnBuckets(ctx context.Context, topo topology) error {
	type placement struct {
		id   int
		wave int
	}

	waveOf := make(map[int]int, topo.maxConcurrency)
	var toSpawn []placement
	maxWave := 0
	for id := 0; id < topo.totalBotShards; id++ {
		bucket := id % topo.maxConcurrency
		wave := waveOf[bucket]
		waveOf[bucket] = wave + 1

		if id < topo.offset || id >= topo.offset+topo.shardsToSpawn {
			continue
		}
		toSpawn = append(toSpawn, placement{id: id, wave: wave})
		if wave+1 > maxWave {
			maxWave = wave + 1
		}
	}

	for wave := 0; wave < maxWave; wave++ {
		var wg sync.WaitGroup
		for _, p := range toSpawn {
			if p.wave != wave {
				continue
			}
			id := p.id
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				m.mu.RLock()
				sh := m.shards[id]
				m.mu.RUnlock()
				if sh == nil {
					return
				}
				if err := sh.spawn(ctx); err != nil {
					logAt(m.log, LogError, "manager", "shard spawn failed: "+err.Error())
				}
			}(id)
		}
		wg.Wait()

		if wave < maxWave-1 && !m.cfg.DisableBucketRatelimits {
			select {
			case <-time.After(m.cfg.cooldown()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// GuildShard returns the shard id managing guildID, or NoShard if it falls
// outside this manager's topology.
func (m *ShardManager) GuildShard(guildID Snowflake) (int, error) {
	m.mu.RLock()
	topo := m.topology
	m.mu.RUnlock()
	id := GuildShard(guildID, topo.totalBotShards)
	if id < topo.offset || id >= topo.offset+topo.shardsToSpawn {
		return 0, newGatewayError(ErrNoShard, "manager", "guild routes to an unmanaged shard")
	}
	return id, nil
}

// SelfUser returns the bot's own user id, set once Ready is received.
func (m *ShardManager) SelfUser() Snowflake {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selfUser
}

// Shard returns the Shard managing id, if any.
func (m *ShardManager) Shard(id int) (*Shard, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sh, ok := m.shards[id]
	return sh, ok
}

// Shards returns every managed shard, keyed by id.
func (m *ShardManager) Shards() map[int]*Shard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]*Shard, len(m.shards))
	for id, sh := range m.shards {
		out[id] = sh
	}
	return out
}

// SendToGuild routes a guild-scoped command to the shard owning guildID.
func (m *ShardManager) SendToGuild(guildID Snowflake, op gatewayOpcode, d any) <-chan error {
	result := make(chan error, 1)
	id, err := m.GuildShard(guildID)
	if err != nil {
		result <- err
		return result
	}
	sh, ok := m.Shard(id)
	if !ok {
		result <- newGatewayError(ErrNoShard, "manager", "shard not found")
		return result
	}
	return sh.Send(op, d)
}

// UpdateVoiceState is always guild-routed, per spec.md §4.2.
func (m *ShardManager) UpdateVoiceState(guildID Snowflake, channelID *Snowflake, selfMute, selfDeaf bool) <-chan error {
	d := map[string]any{
		"guild_id":   guildID,
		"channel_id": channelID,
		"self_mute":  selfMute,
		"self_deaf":  selfDeaf,
	}
	return m.SendToGuild(guildID, opVoiceStateUpdate, d)
}

// UpdatePresence may target a single shard, an explicit subset, or every
// managed shard (broadcast), per spec.md §4.2.
func (m *ShardManager) UpdatePresence(presence any, shardIDs ...int) []<-chan error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	targets := shardIDs
	if len(targets) == 0 {
		targets = make([]int, 0, len(m.shards))
		for id := range m.shards {
			targets = append(targets, id)
		}
	}

	results := make([]<-chan error, 0, len(targets))
	for _, id := range targets {
		sh, ok := m.shards[id]
		if !ok {
			ch := make(chan error, 1)
			ch <- newGatewayError(ErrNoShard, "manager", "shard not found")
			results = append(results, ch)
			continue
		}
		results = append(results, sh.Send(opPresenceUpdate, presence))
	}
	return results
}

// allocateNonce implements spec.md §4.2 step 2: a monotonic counter value,
// hex-encoded, always well under the wire protocol's 32-byte nonce limit.
func (m *ShardManager) allocateNonce() string {
	n := m.nonceCounter.Add(1)
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(n >> (8 * i))
	}
	return hex.EncodeToString(buf)
}

// RequestGuildMembersOptions mirrors the wire protocol's request fields.
type RequestGuildMembersOptions struct {
	GuildID Snowflake
	Query   *string
	UserIDs []Snowflake
	Limit   int
	Nonce   string // optional caller-supplied nonce; allocated if empty
}

// RequestGuildMembers runs spec.md §4.2's scatter/gather protocol: send a
// RequestGuildMembers frame, accumulate correlated GuildMembersChunk
// dispatches by nonce, and resolve when the final chunk arrives. There is
// no per-request timeout at this layer; cancel ctx to give up waiting.
func (m *ShardManager) RequestGuildMembers(ctx context.Context, opts RequestGuildMembersOptions) (*MembersResult, error) {
	if opts.Query != nil && len(opts.UserIDs) > 0 {
		return nil, newGatewayError(ErrInvalidShardConfig, "manager", "query and user_ids are mutually exclusive")
	}

	nonce := opts.Nonce
	if nonce == "" {
		nonce = m.allocateNonce()
	}
	if len(nonce) > 32 {
		return nil, newGatewayError(ErrMemberNonceTooBig, "manager", "nonce exceeds 32 bytes")
	}

	listener := &nonceListener{
		guildID:    opts.GuildID,
		chunks:     make(map[int]memberChunk),
		chunkCount: -1,
		done:       make(chan struct{}),
	}
	m.listenersMu.Lock()
	m.listeners[nonce] = listener
	m.listenersMu.Unlock()
	defer func() {
		m.listenersMu.Lock()
		delete(m.listeners, nonce)
		m.listenersMu.Unlock()
	}()

	d := map[string]any{
		"guild_id": opts.GuildID,
		"limit":    opts.Limit,
		"nonce":    nonce,
	}
	if opts.Query != nil {
		d["query"] = *opts.Query
	}
	if len(opts.UserIDs) > 0 {
		d["user_ids"] = opts.UserIDs
	}

	sendErrCh := m.SendToGuild(opts.GuildID, opRequestGuildMembers, d)
	select {
	case err := <-sendErrCh:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-listener.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	result := &MembersResult{}
	for i := 0; i < listener.chunkCount; i++ {
		chunk, ok := listener.chunks[i]
		if !ok {
			continue
		}
		result.Members = append(result.Members, chunk.members...)
		result.Presences = append(result.Presences, chunk.presences...)
		result.NotFound = append(result.NotFound, chunk.notFound...)
	}
	return result, nil
}

// handleMembersChunk accumulates one GuildMembersChunk dispatch into its
// matching listener, per nonce and guild id. Duplicate chunk indexes are
// accepted idempotently: a later chunk overwrites, per spec.md §4.2.
func (m *ShardManager) handleMembersChunk(d map[string]any) {
	nonce, _ := d["nonce"].(string)
	if nonce == "" {
		return
	}
	m.listenersMu.Lock()
	listener, ok := m.listeners[nonce]
	m.listenersMu.Unlock()
	if !ok {
		return
	}
	guildID := snowflakeOf(d, "guild_id")
	if guildID != listener.guildID {
		return
	}

	chunkIndex, _ := d["chunk_index"].(float64)
	chunkCount, _ := d["chunk_count"].(float64)

	listener.mu.Lock()
	defer listener.mu.Unlock()

	listener.chunkCount = int(chunkCount)
	chunk := memberChunk{}
	if members, ok := d["members"].([]any); ok {
		chunk.members = members
	}
	if presences, ok := d["presences"].([]any); ok {
		chunk.presences = presences
	}
	if notFound, ok := d["not_found"].([]any); ok {
		chunk.notFound = notFound
	}
	listener.chunks[int(chunkIndex)] = chunk

	if int(chunkIndex) == listener.chunkCount-1 {
		listener.doneOnce.Do(func() { close(listener.done) })
	}
}

// Shutdown kills every managed shard.
func (m *ShardManager) Shutdown() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sh := range m.shards {
		sh.Kill(1000, "manager shutdown")
	}
}
