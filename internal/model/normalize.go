// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import "strings"

// invisibleRunes are Unicode characters that occasionally leak into host
// names via copy-paste from chat clients and admin consoles. They render as
// nothing (or as ordinary spaces) but break exact-match joins, so they are
// stripped outright rather than trimmed.
var invisibleRunes = strings.NewReplacer(
	" ", "", // no-break space
	"​", "", // zero-width space
	"‌", "", // zero-width non-joiner
	"‍", "", // zero-width joiner
	"﻿", "", // byte order mark
)

// NormalizeHostName trims surrounding whitespace and strips invisible
// Unicode from a host name. Every host name entering the store or used in
// a lookup must pass through here first.
func NormalizeHostName(name string) string {
	return strings.TrimSpace(invisibleRunes.Replace(name))
}

// NormalizeEmail canonicalizes an email for use as the join key against the
// panel: trimmed and lower-cased. Panels are case-preserving but
// case-insensitive in practice, so the store only ever holds the folded form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
