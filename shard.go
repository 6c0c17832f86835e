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
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ShardState is one of the six states spec.md §4.1's state machine defines.
type ShardState int

const (
	StateIdle ShardState = iota
	StateConnecting
	StateIdentifying
	StateResuming
	StateRunning
	StateDisconnected
)

func (s ShardState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateIdentifying:
		return "Identifying"
	case StateResuming:
		return "Resuming"
	case StateRunning:
		return "Running"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// ShardsIdentifyRateLimiter controls the frequency of Identify payloads sent
// across shards, a defense-in-depth backstop behind the manager's own
// bucketed-wave spawn cooldown.
type ShardsIdentifyRateLimiter interface {
	Wait()
}

// DefaultShardsRateLimiter is a token bucket over a buffered channel,
// refilled on a ticker. Grounded on the teacher's shard.go.
type DefaultShardsRateLimiter struct {
	tokens chan struct{}
}

var _ ShardsIdentifyRateLimiter = (*DefaultShardsRateLimiter)(nil)

// NewDefaultShardsRateLimiter builds a limiter allowing r Identify sends per
// interval.
func NewDefaultShardsRateLimiter(r int, interval time.Duration) *DefaultShardsRateLimiter {
	if r <= 0 {
		r = 1
	}
	rl := &DefaultShardsRateLimiter{tokens: make(chan struct{}, r)}
	for range r {
		rl.tokens <- struct{}{}
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			select {
			case rl.tokens <- struct{}{}:
			default:
			}
		}
	}()
	return rl
}

func (rl *DefaultShardsRateLimiter) Wait() { <-rl.tokens }

// IdentifyProperties is the "properties" object of the Identify payload.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// ShardConfig configures a single Shard, per spec.md §6's "shard" option
// group.
type ShardConfig struct {
	Intents             GatewayIntent
	LargeThreshold      int
	Presence            json.RawMessage // initial presence payload, verbatim
	SpawnAttemptDelay   time.Duration
	SpawnMaxAttempts    int
	SpawnTimeout        time.Duration
	Version             string
	SocketURL           string
	Properties          IdentifyProperties
	IdentifyRateLimiter ShardsIdentifyRateLimiter
}

func defaultShardConfig() ShardConfig {
	return ShardConfig{
		Intents:           IntentNonPrivileged,
		LargeThreshold:    50,
		SpawnAttemptDelay: 2500 * time.Millisecond,
		SpawnMaxAttempts:  10,
		SpawnTimeout:      30 * time.Second,
		Version:           "10",
		SocketURL:         "wss://gateway.discord.gg",
	}
}

// sendRequest is one entry of the send queue: spec.md §4.1's "ordered queue
// of pending outbound frames with resolve/reject handles".
type sendRequest struct {
	frame  any
	result chan error
}

// ShardEvents are the observable side effects spec.md §4.1 requires: one
// per state transition, one per send, one per receive.
type ShardEvents struct {
	OnStateChange func(shardID int, old, new ShardState)
	OnSent        func(shardID int, op gatewayOpcode)
	OnReceived    func(shardID int, t string, d []byte)
	OnDispatch    func(shardID int, t string, d []byte)
	OnFatal       func(shardID int, err error)
}

// Shard owns one WebSocket connection and its session state. It never
// shares its socket, timers or queue with the Manager; the Manager only
// holds a reference for routing.
type Shard struct {
	id          int
	totalShards int
	token       string
	presence    []byte // raw JSON, nil if unset
	cfg         ShardConfig
	log         LogFunc
	events      ShardEvents

	mu            sync.Mutex
	state         ShardState
	conn          net.Conn
	lastSequence  *int64
	sessionID     string
	resumeURL     string
	heartbeatMs   int64
	waitingSince  *time.Time
	pingMs        int64
	sendQueue     []*sendRequest
	attemptResult chan error // signalled by the read loop when an attempt settles

	killed        atomic.Bool
	killCh        chan struct{}
	killOnce      sync.Once
	heartbeatStop chan struct{}
	heartbeatAck  atomic.Bool
	generation    atomic.Int64 // bumped on every (re)connect to invalidate stale goroutines
}

func newShard(id, totalShards int, token string, cfg ShardConfig, log LogFunc, events ShardEvents) *Shard {
	if log == nil {
		log = noopLog
	}
	return &Shard{
		id:          id,
		totalShards: totalShards,
		token:       token,
		presence:    cfg.Presence,
		cfg:         cfg,
		log:         log,
		events:      events,
		killCh:      make(chan struct{}),
	}
}

func (s *Shard) setState(newState ShardState) {
	s.mu.Lock()
	old := s.state
	s.state = newState
	s.mu.Unlock()
	if old == newState {
		return
	}
	logAt(s.log, LogInfo, "shard", "shard "+strconv.Itoa(s.id)+" "+old.String()+" -> "+newState.String())
	if s.events.OnStateChange != nil {
		s.events.OnStateChange(s.id, old, newState)
	}
}

// State returns the shard's current state.
func (s *Shard) State() ShardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Latency returns the RTT in milliseconds of the last ACKed heartbeat.
func (s *Shard) Latency() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingMs
}

// canResume reports spec.md §4.1's resumability predicate.
func (s *Shard) canResume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID != "" && s.lastSequence != nil
}

// spawn attempts up to cfg.SpawnMaxAttempts times, separated by
// cfg.SpawnAttemptDelay, each capped at cfg.SpawnTimeout wall clock.
func (s *Shard) spawn(ctx context.Context) error {
	if s.killed.Load() {
		return newGatewayError(ErrShardInterruptFromKill, "shard", "spawn called after kill")
	}
	if st := s.State(); st != StateIdle && st != StateDisconnected {
		return newGatewayError(ErrShardAlreadyConnecting, "shard", "spawn called while "+st.String())
	}

	maxAttempts := s.cfg.SpawnMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-s.killCh:
			return newGatewayError(ErrShardInterruptFromKill, "shard", "killed during spawn")
		default:
		}

		err := s.attempt(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) && s.killed.Load() {
			return newGatewayError(ErrShardInterruptFromKill, "shard", "killed during spawn")
		}

		logAt(s.log, LogWarn, "shard", "spawn attempt "+strconv.Itoa(attempt)+" failed: "+err.Error())
		if attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(s.cfg.SpawnAttemptDelay):
		case <-s.killCh:
			return newGatewayError(ErrShardInterruptFromKill, "shard", "killed during spawn backoff")
		}
	}

	s.setState(StateIdle)
	return newGatewayError(ErrShardMaxSpawnAttemptsReached, "shard", "exhausted spawn attempts")
}

// restart retries indefinitely (same delay as spawn) until success or kill.
// Used for the internal reconnect loop after a recoverable disconnect.
func (s *Shard) restart(ctx context.Context) {
	for {
		select {
		case <-s.killCh:
			return
		default:
		}
		if err := s.attempt(ctx); err == nil {
			return
		}
		select {
		case <-time.After(s.cfg.SpawnAttemptDelay):
		case <-s.killCh:
			return
		}
	}
}

// attempt makes a single connect+handshake attempt bounded by SpawnTimeout.
func (s *Shard) attempt(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.SpawnTimeout)
	defer cancel()

	s.mu.Lock()
	targetURL := s.bootstrapOrResumeURL()
	resultCh := make(chan error, 1)
	s.attemptResult = resultCh
	s.mu.Unlock()

	s.setState(StateConnecting)

	dialer := ws.Dialer{}
	conn, _, _, err := dialer.Dial(ctx, targetURL)
	if err != nil {
		s.setState(StateDisconnected)
		return wrapGatewayError(ErrShardClosedDuringSocketInit, "shard", "dial failed", err)
	}

	gen := s.generation.Add(1)
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.heartbeatAck.Store(true)

	go s.readLoop(gen)

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		s.closeConn(1000)
		s.setState(StateDisconnected)
		return ctx.Err()
	}
}

func (s *Shard) bootstrapOrResumeURL() string {
	base := s.cfg.SocketURL
	if base == "" {
		base = "wss://gateway.discord.gg"
	}
	if s.resumeURL != "" {
		return s.buildResumeURL(s.resumeURL)
	}
	v := s.cfg.Version
	if v == "" {
		v = "10"
	}
	return base + "?v=" + v + "&encoding=json"
}

func (s *Shard) buildResumeURL(resumeURL string) string {
	parsed, err := url.Parse(resumeURL)
	if err != nil {
		return resumeURL
	}
	q := parsed.Query()
	if q.Get("v") == "" {
		v := s.cfg.Version
		if v == "" {
			v = "10"
		}
		q.Set("v", v)
	}
	if q.Get("encoding") == "" {
		q.Set("encoding", "json")
	}
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

// readLoop reads frames until the socket closes, dispatching each. gen
// pins this goroutine to the connection it was started for; a stale
// goroutine from a superseded connection exits instead of acting.
func (s *Shard) readLoop(gen int64) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	for {
		if s.generation.Load() != gen {
			return
		}
		msg, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			s.onDisconnect(gen, 1006, "read error: "+err.Error())
			return
		}
		if op == ws.OpClose {
			code, reason := 1006, "server closed connection"
			if sc, r := ws.ParseCloseFrameData(msg); sc != 0 {
				code = int(sc)
				if r != "" {
					reason = r
				}
			}
			s.onDisconnect(gen, code, reason)
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		var payload gatewayPayload
		if err := sonic.Unmarshal(msg, &payload); err != nil {
			logAt(s.log, LogWarn, "shard", "dropping malformed frame: "+err.Error())
			continue
		}
		s.handlePayload(gen, payload)
	}
}

func (s *Shard) onDisconnect(gen int64, code int, reason string) {
	if s.generation.Load() != gen {
		return
	}
	s.stopHeartbeat()
	prevState := s.State()
	s.settleAttempt(errors.New(reason))

	if fatalReason, fatal := isFatalCloseCode(code); fatal {
		err := newGatewayError(ErrShardClosedDuringSocketInit, "shard", fatalReason+" (close "+strconv.Itoa(code)+")")
		s.Kill(code, reason)
		if s.events.OnFatal != nil {
			s.events.OnFatal(s.id, err)
		}
		return
	}

	s.setState(StateDisconnected)

	if s.killed.Load() {
		return
	}

	// A disconnect while still establishing the session (Connecting) is
	// surfaced through attempt()'s own timeout/error path; only a drop
	// from Running/Identifying/Resuming needs the self-healing restart.
	if prevState == StateIdle || prevState == StateConnecting {
		return
	}
	go s.restart(context.Background())
}

func (s *Shard) settleAttempt(err error) {
	s.mu.Lock()
	ch := s.attemptResult
	s.attemptResult = nil
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- err:
		default:
		}
	}
}

func (s *Shard) handlePayload(gen int64, payload gatewayPayload) {
	if payload.S != nil {
		s.mu.Lock()
		s.lastSequence = payload.S
		s.mu.Unlock()
	}

	if s.events.OnReceived != nil {
		s.events.OnReceived(s.id, payload.T, payload.D)
	}

	switch payload.Op {
	case opDispatch:
		s.handleDispatch(payload)

	case opReconnect:
		logAt(s.log, LogInfo, "shard", "RECONNECT received")
		s.closeConn(4000)

	case opInvalidSession:
		var resumable bool
		sonic.Unmarshal(payload.D, &resumable)
		if resumable {
			logAt(s.log, LogInfo, "shard", "invalid session, resumable")
			s.closeConn(4000)
		} else {
			logAt(s.log, LogInfo, "shard", "invalid session, not resumable")
			s.mu.Lock()
			s.sessionID = ""
			s.lastSequence = nil
			s.mu.Unlock()
			time.Sleep(2500 * time.Millisecond)
			s.closeConn(1000)
		}

	case opHello:
		var hello struct {
			HeartbeatInterval int64 `json:"heartbeat_interval"`
		}
		sonic.Unmarshal(payload.D, &hello)
		s.mu.Lock()
		s.heartbeatMs = hello.HeartbeatInterval
		s.mu.Unlock()
		go s.startHeartbeat(gen, time.Duration(hello.HeartbeatInterval)*time.Millisecond)

		if s.canResume() {
			s.setState(StateResuming)
			s.sendResume()
		} else {
			s.setState(StateIdentifying)
			s.sendIdentify()
		}

	case opHeartbeatAck:
		s.mu.Lock()
		var rtt int64
		if s.waitingSince != nil {
			rtt = time.Since(*s.waitingSince).Milliseconds()
			s.waitingSince = nil
		}
		s.pingMs = rtt
		s.mu.Unlock()
		s.heartbeatAck.Store(true)

	case opHeartbeat:
		s.sendHeartbeatFrame()
	}
}

func (s *Shard) handleDispatch(payload gatewayPayload) {
	switch payload.T {
	case "READY":
		var ready struct {
			SessionID string `json:"session_id"`
			ResumeURL string `json:"resume_gateway_url"`
		}
		sonic.Unmarshal(payload.D, &ready)
		s.mu.Lock()
		s.sessionID = ready.SessionID
		if ready.ResumeURL != "" {
			s.resumeURL = ready.ResumeURL
		}
		s.mu.Unlock()
		s.setState(StateRunning)
		s.drainSendQueue()
		s.settleAttempt(nil)

	case "RESUMED":
		s.setState(StateRunning)
		s.drainSendQueue()
		s.settleAttempt(nil)
	}

	if s.events.OnDispatch != nil {
		s.events.OnDispatch(s.id, payload.T, payload.D)
	}
}

// startHeartbeat runs the jittered-first-beat heartbeat loop described in
// spec.md §4.1. It exits when gen is superseded, the shard is killed, or
// an ACK fails to arrive in time.
func (s *Shard) startHeartbeat(gen int64, interval time.Duration) {
	s.mu.Lock()
	s.heartbeatStop = make(chan struct{})
	stop := s.heartbeatStop
	s.mu.Unlock()

	jitter := time.Duration(float64(interval) * 0.5 * rand.Float64())
	select {
	case <-time.After(jitter):
	case <-stop:
		return
	case <-s.killCh:
		return
	}
	if s.generation.Load() != gen {
		return
	}

	s.beat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.killCh:
			return
		case <-ticker.C:
			if s.generation.Load() != gen {
				return
			}
			if !s.heartbeatAck.Load() {
				logAt(s.log, LogError, "shard", "heartbeat zombie, closing 4009")
				s.closeConn(4009)
				return
			}
			s.beat()
		}
	}
}

func (s *Shard) beat() {
	s.mu.Lock()
	now := time.Now()
	s.waitingSince = &now
	s.mu.Unlock()
	s.heartbeatAck.Store(false)
	s.sendHeartbeatFrame()
}

func (s *Shard) stopHeartbeat() {
	s.mu.Lock()
	stop := s.heartbeatStop
	s.heartbeatStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (s *Shard) closeConn(code int) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), ""))
	wsutil.WriteClientMessage(conn, ws.OpClose, frame)
	conn.Close()
}

// writeRaw bypasses the send queue entirely; used for protocol-internal
// frames (Heartbeat, Identify, Resume) per spec.md §4.1.
func (s *Shard) writeRaw(op gatewayOpcode, d any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return newGatewayError(ErrShardSendWithoutOpenSocket, "shard", "no open socket")
	}
	payload, err := sonic.Marshal(map[string]any{"op": op, "d": d})
	if err != nil {
		return err
	}
	err = wsutil.WriteClientMessage(conn, ws.OpText, payload)
	if err == nil && s.events.OnSent != nil {
		s.events.OnSent(s.id, op)
	}
	return err
}

func (s *Shard) sendIdentify() {
	if s.cfg.IdentifyRateLimiter != nil {
		s.cfg.IdentifyRateLimiter.Wait()
	}
	d := map[string]any{
		"token":           s.token,
		"intents":         s.cfg.Intents,
		"large_threshold": s.cfg.LargeThreshold,
		"properties":      s.cfg.Properties,
		"shard":           [2]int{s.id, s.totalShards},
		"compress":        false,
	}
	if len(s.presence) > 0 {
		d["presence"] = json.RawMessage(s.presence)
	}
	if err := s.writeRaw(opIdentify, d); err != nil {
		logAt(s.log, LogError, "shard", "identify send failed: "+err.Error())
	}
}

func (s *Shard) sendResume() {
	s.mu.Lock()
	seq := s.lastSequence
	sid := s.sessionID
	s.mu.Unlock()
	var seqVal int64
	if seq != nil {
		seqVal = *seq
	}
	if err := s.writeRaw(opResume, map[string]any{
		"token":      s.token,
		"session_id": sid,
		"seq":        seqVal,
	}); err != nil {
		logAt(s.log, LogError, "shard", "resume send failed: "+err.Error())
	}
}

func (s *Shard) sendHeartbeatFrame() {
	s.mu.Lock()
	seq := s.lastSequence
	s.mu.Unlock()
	if err := s.writeRaw(opHeartbeat, seq); err != nil {
		logAt(s.log, LogError, "shard", "heartbeat send failed: "+err.Error())
	}
}

// send enqueues frame if the shard isn't Running; otherwise writes it
// immediately. Callers get a channel that resolves when the frame is
// actually written (or rejected).
func (s *Shard) send(op gatewayOpcode, d any) <-chan error {
	result := make(chan error, 1)

	s.mu.Lock()
	if s.killed.Load() {
		s.mu.Unlock()
		result <- newGatewayError(ErrShardInterruptFromKill, "shard", "shard killed")
		return result
	}
	if s.state == StateRunning {
		s.mu.Unlock()
		result <- s.writeRaw(op, d)
		return result
	}
	req := &sendRequest{frame: map[string]any{"op": op, "d": d}, result: result}
	s.sendQueue = append(s.sendQueue, req)
	s.mu.Unlock()
	return result
}

func (s *Shard) drainSendQueue() {
	s.mu.Lock()
	queue := s.sendQueue
	s.sendQueue = nil
	conn := s.conn
	s.mu.Unlock()

	for _, req := range queue {
		if conn == nil {
			req.result <- newGatewayError(ErrShardSendWithoutOpenSocket, "shard", "no open socket")
			continue
		}
		payload, err := sonic.Marshal(req.frame)
		if err != nil {
			req.result <- err
			continue
		}
		err = wsutil.WriteClientMessage(conn, ws.OpText, payload)
		if err == nil && s.events.OnSent != nil {
			if f, ok := req.frame.(map[string]any); ok {
				if op, ok := f["op"].(gatewayOpcode); ok {
					s.events.OnSent(s.id, op)
				}
			}
		}
		req.result <- err
	}
}

// Send queues an arbitrary outbound frame (e.g. PresenceUpdate,
// VoiceStateUpdate, RequestGuildMembers) per spec.md §4.1's send-queue
// contract.
func (s *Shard) Send(op gatewayOpcode, d any) <-chan error {
	return s.send(op, d)
}

// Kill is immediate and idempotent: it closes the socket with the given
// close code, force-flushes the send queue, and prevents any further
// spawn/restart.
func (s *Shard) Kill(code int, reason string) {
	s.killOnce.Do(func() {
		s.killed.Store(true)
		close(s.killCh)
	})
	s.stopHeartbeat()
	s.closeConn(code)
	s.setState(StateIdle)

	s.mu.Lock()
	queue := s.sendQueue
	s.sendQueue = nil
	s.mu.Unlock()
	flushErr := newGatewayError(ErrShardSendQueueForceFlushed, "shard", reason)
	for _, req := range queue {
		req.result <- flushErr
	}
}

