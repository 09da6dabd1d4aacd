// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package recommend

import (
	"strings"
	"unicode"
)

// editionSuffixes are trailing qualifiers stripped before fuzzy album
// matching. Checked against the normalized (lowercased) form.
var editionSuffixes = []string{
	"deluxe edition", "deluxe version", "deluxe",
	"remastered", "remaster",
	"expanded edition", "expanded",
	"anniversary edition", "special edition", "bonus track version",
}

// foldRune maps common accented letters onto their ASCII base so fuzzy
// matching survives diacritic differences between metadata sources.
func foldRune(r rune) rune {
	switch r {
	case 'à', 'á', 'â', 'ã', 'ä', 'å', 'ā':
		return 'a'
	case 'ç', 'ć', 'č':
		return 'c'
	case 'è', 'é', 'ê', 'ë', 'ē', 'ė':
		return 'e'
	case 'ì', 'í', 'î', 'ï', 'ī':
		return 'i'
	case 'ñ', 'ń':
		return 'n'
	case 'ò', 'ó', 'ô', 'õ', 'ö', 'ø', 'ō':
		return 'o'
	case 'ù', 'ú', 'û', 'ü', 'ū':
		return 'u'
	case 'ý', 'ÿ':
		return 'y'
	case 'š':
		return 's'
	case 'ž':
		return 'z'
	case 'ß':
		return 's'
	default:
		return r
	}
}

// NormalizeName produces the canonical fuzzy-match key for an artist or
// album name: lowercased, parentheticals and edition suffixes removed,
// diacritics folded, punctuation dropped, whitespace collapsed.
func NormalizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))

	// Strip parenthetical and bracketed qualifiers.
	for {
		open := strings.IndexAny(s, "([")
		if open < 0 {
			break
		}
		closing := strings.IndexAny(s[open:], ")]")
		if closing < 0 {
			s = s[:open]
			break
		}
		s = s[:open] + s[open+closing+1:]
	}

	// Strip trailing edition qualifiers, including dash-separated forms.
	s = strings.TrimSpace(s)
	for _, suffix := range editionSuffixes {
		for _, sep := range []string{" - ", ": ", " "} {
			if strings.HasSuffix(s, sep+suffix) {
				s = strings.TrimSuffix(s, sep+suffix)
				s = strings.TrimSpace(s)
			}
		}
	}

	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range s {
		r = foldRune(r)
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		default:
			// punctuation dropped entirely
		}
	}
	return strings.TrimSpace(b.String())
}

// matchKey joins normalized artist and album names into one index key.
func MatchKey(artist, album string) string {
	return NormalizeName(artist) + "|" + NormalizeName(album)
}
