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

import "encoding/json"

// gatewayOpcode is the numeric "op" field of every wire frame.
type gatewayOpcode int

const (
	opDispatch            gatewayOpcode = 0
	opHeartbeat           gatewayOpcode = 1
	opIdentify            gatewayOpcode = 2
	opPresenceUpdate      gatewayOpcode = 3
	opVoiceStateUpdate    gatewayOpcode = 4
	opResume              gatewayOpcode = 6
	opReconnect           gatewayOpcode = 7
	opRequestGuildMembers gatewayOpcode = 8
	opInvalidSession      gatewayOpcode = 9
	opHello               gatewayOpcode = 10
	opHeartbeatAck        gatewayOpcode = 11
)

// gatewayPayload is the envelope every inbound and outbound frame shares:
// {op, d, s?, t?}.
type gatewayPayload struct {
	Op gatewayOpcode   `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// GatewayIntent is a bitset of event categories a shard wishes to receive,
// sent in the Identify payload.
type GatewayIntent uint32

const (
	IntentGuilds                 GatewayIntent = 1 << 0
	IntentGuildMembers           GatewayIntent = 1 << 1
	IntentGuildModeration        GatewayIntent = 1 << 2
	IntentGuildExpressions       GatewayIntent = 1 << 3
	IntentGuildIntegrations      GatewayIntent = 1 << 4
	IntentGuildWebhooks          GatewayIntent = 1 << 5
	IntentGuildInvites           GatewayIntent = 1 << 6
	IntentGuildVoiceStates       GatewayIntent = 1 << 7
	IntentGuildPresences         GatewayIntent = 1 << 8
	IntentGuildMessages          GatewayIntent = 1 << 9
	IntentGuildMessageReactions  GatewayIntent = 1 << 10
	IntentGuildMessageTyping     GatewayIntent = 1 << 11
	IntentDirectMessages         GatewayIntent = 1 << 12
	IntentDirectMessageReactions GatewayIntent = 1 << 13
	IntentDirectMessageTyping    GatewayIntent = 1 << 14
	IntentMessageContent         GatewayIntent = 1 << 15
	IntentGuildScheduledEvents   GatewayIntent = 1 << 16
)

// Has reports whether i carries every one of others.
func (i GatewayIntent) Has(others ...GatewayIntent) bool { return BitMaskHas(i, others...) }

// Add returns i with others set.
func (i GatewayIntent) Add(others ...GatewayIntent) GatewayIntent { return BitMaskAdd(i, others...) }

// Remove returns i with others cleared.
func (i GatewayIntent) Remove(others ...GatewayIntent) GatewayIntent {
	return BitMaskRemove(i, others...)
}

// Missing returns the subset of others not set in i.
func (i GatewayIntent) Missing(others ...GatewayIntent) GatewayIntent {
	return BitMaskMissing(i, others...)
}

// privilegedIntents are excluded from IntentNonPrivileged per spec.md §6.
const privilegedIntents = IntentGuildMembers | IntentGuildPresences | IntentMessageContent

// IntentAll is the union of every named intent flag.
const IntentAll = IntentGuilds | IntentGuildMembers | IntentGuildModeration |
	IntentGuildExpressions | IntentGuildIntegrations | IntentGuildWebhooks |
	IntentGuildInvites | IntentGuildVoiceStates | IntentGuildPresences |
	IntentGuildMessages | IntentGuildMessageReactions | IntentGuildMessageTyping |
	IntentDirectMessages | IntentDirectMessageReactions | IntentDirectMessageTyping |
	IntentMessageContent | IntentGuildScheduledEvents

// IntentNonPrivileged is IntentAll minus the three privileged flags
// (GuildMembers, GuildPresences, MessageContent), spec.md §6's default.
const IntentNonPrivileged = IntentAll &^ privilegedIntents

// closeCodeFatal lists close codes the server sends that mean the session
// can never be resumed or re-identified; spec.md §4.1's close-code policy.
var closeCodeFatal = map[int]string{
	4004: "AuthenticationFailed",
	4010: "InvalidShard",
	4011: "ShardingRequired",
	4012: "InvalidAPIVersion",
	4013: "InvalidIntents",
	4014: "DisallowedIntents",
}

// isFatalCloseCode reports whether code is one of the non-reconnectable
// close codes spec.md §4.1 enumerates.
func isFatalCloseCode(code int) (reason string, fatal bool) {
	reason, fatal = closeCodeFatal[code]
	return
}
