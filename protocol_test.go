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

func TestIntentNonPrivileged_ExcludesPrivilegedFlags(t *testing.T) {
	privileged := []GatewayIntent{IntentGuildMembers, IntentGuildPresences, IntentMessageContent}
	for _, p := range privileged {
		if IntentNonPrivileged.Has(p) {
			t.Fatalf("IntentNonPrivileged unexpectedly carries privileged flag %d", p)
		}
	}
	if !IntentNonPrivileged.Has(IntentGuilds, IntentGuildMessages) {
		t.Fatal("IntentNonPrivileged should still carry ordinary flags")
	}
}

func TestGatewayIntent_AddRemoveHasRoundTrip(t *testing.T) {
	var i GatewayIntent
	i = i.Add(IntentGuilds, IntentGuildMessages)
	if !i.Has(IntentGuilds) || !i.Has(IntentGuildMessages) {
		t.Fatal("Add did not set both flags")
	}
	i = i.Remove(IntentGuildMessages)
	if i.Has(IntentGuildMessages) {
		t.Fatal("Remove did not clear the flag")
	}
	if !i.Has(IntentGuilds) {
		t.Fatal("Remove cleared an unrelated flag")
	}
}

func TestGatewayIntent_Missing(t *testing.T) {
	i := IntentGuilds
	missing := i.Missing(IntentGuilds, IntentGuildMessages)
	if missing != IntentGuildMessages {
		t.Fatalf("Missing() = %d, want %d", missing, IntentGuildMessages)
	}
}

func TestIsFatalCloseCode(t *testing.T) {
	cases := []struct {
		code  int
		fatal bool
	}{
		{4004, true},
		{4013, true},
		{4014, true},
		{4000, false},
		{4009, false},
		{1006, false},
	}
	for _, c := range cases {
		_, fatal := isFatalCloseCode(c.code)
		if fatal != c.fatal {
			t.Errorf("isFatalCloseCode(%d) fatal=%v, want %v", c.code, fatal, c.fatal)
		}
	}
}
