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

import "github.com/bytedance/sonic"

// gateway is the response of the unauthenticated "get gateway" endpoint.
type gateway struct {
	URL string `json:"url"`
}

func (o *gateway) fillFromJson(json []byte) error {
	return sonic.Unmarshal(json, o)
}

// sessionStartLimit is the nested object the gateway actually returns
// inside gatewayBot; a flat int here (as the teacher's own gateway.go
// declared it) cannot round-trip the wire shape spec.md §4.2/§6 requires.
type sessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// gatewayBot is the response of the authenticated "get gateway bot" REST
// call, the Shard Manager's one REST collaborator (spec.md §6).
type gatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit sessionStartLimit `json:"session_start_limit"`
}

func (o *gatewayBot) fillFromJson(json []byte) error {
	return sonic.Unmarshal(json, o)
}
