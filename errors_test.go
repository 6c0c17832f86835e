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
	"errors"
	"testing"
)

func TestGatewayError_IsMatchesOnKindOnly(t *testing.T) {
	err := newGatewayError(ErrNoShard, "manager", "guild routes to an unmanaged shard")
	if !errors.Is(err, &GatewayError{Kind: ErrNoShard}) {
		t.Fatal("expected errors.Is to match on Kind")
	}
	if errors.Is(err, &GatewayError{Kind: ErrInvalidShardConfig}) {
		t.Fatal("expected errors.Is to not match a different Kind")
	}
}

func TestGatewayError_Unwrap(t *testing.T) {
	wrapped := errors.New("boom")
	err := wrapGatewayError(ErrInvalidRestResponse, "rest", "GET /gateway/bot", wrapped)
	if !errors.Is(err, wrapped) {
		t.Fatal("expected errors.Is to see through Unwrap to the wrapped error")
	}
}

func TestErrorKindString_UnknownFallsBack(t *testing.T) {
	var k ErrorKind = 999
	if k.String() != "Unknown" {
		t.Fatalf("String() = %q, want Unknown", k.String())
	}
}
