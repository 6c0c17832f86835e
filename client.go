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
	"log"
	"net/http"
	"strings"
	"time"
)

/*****************************
 *          Client
 *****************************/

// Client is the single entry point gluing the Shard Manager, the Cache and
// the REST topology lookup together behind one configuration surface.
// Create one with New and its With* options, register handlers with On/
// OnAny, then call Start.
type Client struct {
	ctx context.Context
	log LogFunc

	token   string
	intents GatewayIntent

	sharding                ShardingConfig
	shardConfig             ShardConfig
	customGatewaySocketURL  string
	customGetGatewayBotURL  string
	bucketCooldown          time.Duration
	disableBucketRatelimits bool

	cacheCfg     CacheConfig
	disableCache bool
	shardEvents  ShardEvents

	httpClient  *http.Client
	handlerMode HandlerExecutionMode
	workerOpts  []workerOption

	requester  *requester
	rest       *restApi
	cache      *Cache
	manager    *ShardManager
	dispatcher *dispatcher
	pool       WorkerPool
}

// clientOption configures a Client during New.
type clientOption func(*Client)

/*****************************
 *       Options
 *****************************/

// WithToken sets the bot token. Logs fatal and exits if token is empty; a
// leading "Bot " prefix is stripped automatically.
func WithToken(token string) clientOption {
	if token == "" {
		log.Fatal("WithToken: token must not be empty")
	}
	token = strings.TrimPrefix(token, "Bot ")
	return func(c *Client) {
		c.token = token
	}
}

// WithLogFunc sets the callback every component logs through.
func WithLogFunc(fn LogFunc) clientOption {
	return func(c *Client) {
		c.log = fn
	}
}

// WithIntents sets the Gateway intents every shard identifies with.
func WithIntents(intents ...GatewayIntent) clientOption {
	var total GatewayIntent
	for _, i := range intents {
		total |= i
	}
	return func(c *Client) {
		c.intents = total
	}
}

// WithSharding sets the manager's sharding topology request (spec.md §6's
// "sharding.*" group). Leaving TotalBotShards at 0 means auto-discover via
// GET /gateway/bot.
func WithSharding(cfg ShardingConfig) clientOption {
	return func(c *Client) {
		c.sharding = cfg
	}
}

// WithShardConfig sets the per-shard configuration (heartbeat/identify
// tuning, large threshold, initial presence).
func WithShardConfig(cfg ShardConfig) clientOption {
	return func(c *Client) {
		c.shardConfig = cfg
	}
}

// WithCustomGatewaySocketURL overrides the Gateway socket URL instead of
// the one GET /gateway/bot reports, for pointing at a proxy such as
// Sandwich's.
func WithCustomGatewaySocketURL(url string) clientOption {
	return func(c *Client) {
		c.customGatewaySocketURL = url
	}
}

// WithCustomGetGatewayBotURL overrides discovery itself: instead of calling
// Discord's GET /gateway/bot, the manager issues its authenticated GET
// against url (spec.md §6's "override discovery"), for a proxy that serves
// the same response shape.
func WithCustomGetGatewayBotURL(url string) clientOption {
	return func(c *Client) {
		c.customGetGatewayBotURL = url
	}
}

// WithBucketCooldown overrides the wait between identify buckets (default
// 5s, matching Discord's per-bucket rate limit window).
func WithBucketCooldown(d time.Duration) clientOption {
	return func(c *Client) {
		c.bucketCooldown = d
	}
}

// WithDisableBucketRatelimits skips the cooldown sleep between identify
// waves entirely. Only safe against a custom or already-throttled Gateway
// front.
func WithDisableBucketRatelimits() clientOption {
	return func(c *Client) {
		c.disableBucketRatelimits = true
	}
}

// WithCacheConfig sets the cache's per-kind field projections. Without
// this option, DefaultCacheConfig is used.
func WithCacheConfig(cfg CacheConfig) clientOption {
	return func(c *Client) {
		c.cacheCfg = cfg
	}
}

// WithoutCache disables the projection cache entirely; HandleDispatch is
// never called and Client.Cache returns nil.
func WithoutCache() clientOption {
	return func(c *Client) {
		c.disableCache = true
	}
}

// WithShardEvents wires per-shard lifecycle observers (state transitions,
// sent/received frames, fatal errors) through to the caller, alongside the
// manager's own cache/dispatch relay.
func WithShardEvents(events ShardEvents) clientOption {
	return func(c *Client) {
		c.shardEvents = events
	}
}

// WithHTTPClient overrides the HTTP client the REST requester uses, for a
// custom proxy or transport.
func WithHTTPClient(hc *http.Client) clientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithHandlerExecutionMode sets how registered dispatch handlers run.
// Default is HandlerExecutionSync.
func WithHandlerExecutionMode(mode HandlerExecutionMode) clientOption {
	return func(c *Client) {
		c.handlerMode = mode
	}
}

// WithWorkerPoolOptions configures the worker pool backing
// HandlerExecutionAsync.
func WithWorkerPoolOptions(opts ...workerOption) clientOption {
	return func(c *Client) {
		c.workerOpts = append(c.workerOpts, opts...)
	}
}

/*****************************
 *       Constructor
 *****************************/

// New builds a Client from options. Defaults: non-privileged intents,
// auto shard count/offset, the default cache projection set, synchronous
// handler execution.
func New(ctx context.Context, options ...clientOption) *Client {
	if ctx == nil {
		ctx = context.Background()
	}

	c := &Client{
		ctx:         ctx,
		intents:     IntentNonPrivileged,
		cacheCfg:    DefaultCacheConfig(),
		shardConfig: defaultShardConfig(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.log == nil {
		c.log = noopLog
	}

	c.requester = newRequester(c.httpClient, c.token, c.log)
	c.rest = newRestApi(c.requester, c.token, c.log)

	if !c.disableCache {
		c.cache = NewCache(c.cacheCfg, c.log)
	}

	if c.handlerMode == HandlerExecutionAsync {
		c.pool = NewDefaultWorkerPool(c.log, c.workerOpts...)
	}
	c.dispatcher = newDispatcher(c.log, c.handlerMode, c.pool)

	return c
}

/*****************************
 *     Handler registration
 *****************************/

// On registers h for the named dispatch event (e.g. "MESSAGE_CREATE").
func (c *Client) On(event string, h DispatchHandler) {
	c.dispatcher.on(event, h)
}

// OnAny registers h for every dispatch, run before any typed handler
// registered via On, mirroring the manager's wildcard-before-typed relay
// order.
func (c *Client) OnAny(h DispatchHandler) {
	c.dispatcher.onAny(h)
}

/*****************************
 *       Accessors
 *****************************/

// Cache returns the Client's projection cache, or nil if WithoutCache was
// used.
func (c *Client) Cache() *Cache {
	return c.cache
}

// Manager returns the Shard Manager, valid once Start has begun
// connecting.
func (c *Client) Manager() *ShardManager {
	return c.manager
}

// SelfUser returns the bot's own user id, set once any shard's Ready
// arrives.
func (c *Client) SelfUser() Snowflake {
	if c.manager == nil {
		return 0
	}
	return c.manager.SelfUser()
}

// Do issues an arbitrary REST call through the client's rate-limited
// transport, for endpoints this module doesn't otherwise wrap.
func (c *Client) Do(method, endpoint string, body []byte, authenticateWithToken bool) (*http.Response, error) {
	return c.rest.Do(method, endpoint, body, authenticateWithToken)
}

/*****************************
 *       Start / Shutdown
 *****************************/

// Start resolves shard topology, connects every configured shard, and
// blocks until ctx (the one passed to New) is done. Pass a cancellable
// context to New for controlled shutdown; context.Background() runs the
// client until the process exits or Shutdown is called from elsewhere.
func (c *Client) Start() error {
	managerCfg := ManagerConfig{
		Token:                   c.token,
		Sharding:                c.sharding,
		DisableBucketRatelimits: c.disableBucketRatelimits,
		CustomGatewaySocketURL:  c.customGatewaySocketURL,
		CustomGetGatewayBotURL:  c.customGetGatewayBotURL,
		BucketCooldown:          c.bucketCooldown,
		Shard:                   c.shardConfig,
		Events:                  c.shardEvents,
		Cache:                   c.cache,
	}
	managerCfg.Shard.Intents = c.intents

	c.manager = NewShardManager(managerCfg, c.rest, c.log)
	c.manager.Dispatch = c.dispatcher.dispatchTyped
	c.manager.WildcardDispatch = c.dispatcher.dispatchWildcard

	if err := c.manager.Connect(c.ctx); err != nil {
		return err
	}

	<-c.ctx.Done()
	if err := c.ctx.Err(); err != nil {
		logAt(c.log, LogInfo, "client", "shutting down: "+err.Error())
	}
	c.Shutdown()
	return nil
}

// Shutdown closes every shard connection and stops the worker pool, if
// any. The REST transport is left as it is. Safe to call more than once.
func (c *Client) Shutdown() {
	logAt(c.log, LogInfo, "client", "client shutting down")
	if c.manager != nil {
		c.manager.Shutdown()
	}
	if c.pool != nil {
		c.pool.Shutdown()
	}
}
