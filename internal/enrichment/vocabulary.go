// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package enrichment

import "strings"

// moodVocabulary is the controlled set of mood descriptors kept from raw
// tag data. Matching is exact first, then substring, so "very mellow"
// still lands on "mellow".
var moodVocabulary = []string{
	"aggressive", "angry", "atmospheric", "bittersweet", "calm",
	"chill", "dark", "dreamy", "driving", "energetic", "epic",
	"ethereal", "euphoric", "gloomy", "groovy", "happy", "haunting",
	"hypnotic", "intense", "intimate", "melancholy", "melancholic",
	"mellow", "moody", "nostalgic", "peaceful", "playful",
	"psychedelic", "relaxing", "romantic", "sad", "sensual", "smooth",
	"soothing", "uplifting", "upbeat", "warm",
}

var moodExact = func() map[string]bool {
	m := make(map[string]bool, len(moodVocabulary))
	for _, w := range moodVocabulary {
		m[w] = true
	}
	return m
}()

// normalizeMood canonicalizes one raw tag to a vocabulary word, or ""
// when it matches nothing.
func normalizeMood(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	if t == "" {
		return ""
	}
	if moodExact[t] {
		return t
	}
	for _, w := range moodVocabulary {
		if strings.Contains(t, w) {
			return w
		}
	}
	return ""
}

// filterMoodTags reduces raw upstream tags to deduplicated vocabulary
// moods, at most max.
func filterMoodTags(raw []string, max int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tag := range raw {
		mood := normalizeMood(tag)
		if mood == "" || seen[mood] {
			continue
		}
		seen[mood] = true
		out = append(out, mood)
		if len(out) == max {
			break
		}
	}
	return out
}
