// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package recommend

import "testing"

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"OK Computer", "ok computer"},
		{"OK Computer (Deluxe Edition)", "ok computer"},
		{"OK Computer [2017 Remaster]", "ok computer"},
		{"Mezzanine - Remastered", "mezzanine"},
		{"Homogenic: Deluxe Edition", "homogenic"},
		{"Vespertine Deluxe", "vespertine"},
		{"Sigur Rós", "sigur ros"},
		{"Björk", "bjork"},
		{"AC/DC", "acdc"},
		{"What's Going On", "whats going on"},
		{"  Spaced   Out  ", "spaced out"},
		{"...And Justice for All", "and justice for all"},
	}
	for _, tt := range tests {
		if got := NormalizeName(tt.in); got != tt.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMatchKeyStableAcrossVariants(t *testing.T) {
	if MatchKey("Radiohead", "OK Computer (Deluxe)") != MatchKey("radiohead", "ok computer") {
		t.Error("variant edition forms should produce the same key")
	}
	if MatchKey("Portishead", "Dummy") == MatchKey("Portishead", "Third") {
		t.Error("different albums must not collide")
	}
	if MatchKey("The XX", "Coexist") == MatchKey("The XX Coexist", "") {
		t.Error("artist/album boundary must survive normalization")
	}
}
