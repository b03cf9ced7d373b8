// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package dotgraph

import "bytes"

// QuoteNegativeIDs wraps every bare negative integer token in double quotes, so `-1 -> 3` becomes
// `"-1" -> 3`. The planner writes the virtual root of goal trees as node -1.
//
// A token is a '-' followed by digits, neither preceded nor followed by a word character or '"'.
// Text inside double-quoted strings is left untouched.
func QuoteNegativeIDs(src []byte) []byte {
	if bytes.IndexByte(src, '-') < 0 {
		return src
	}
	out := make([]byte, 0, len(src)+16)
	inString := false
	for ii := 0; ii < len(src); ii++ {
		c := src[ii]
		if inString {
			out = append(out, c)
			if c == '\\' && ii+1 < len(src) {
				ii++
				out = append(out, src[ii])
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		if c != '-' || (ii > 0 && isWordOrQuote(src[ii-1])) {
			out = append(out, c)
			continue
		}
		end := ii + 1
		for end < len(src) && isDigit(src[end]) {
			end++
		}
		if end == ii+1 || (end < len(src) && (isWordOrQuote(src[end]) || src[end] == '.')) {
			out = append(out, c)
			continue
		}
		out = append(out, '"')
		out = append(out, src[ii:end]...)
		out = append(out, '"')
		ii = end - 1
	}
	return out
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isWordOrQuote(c byte) bool {
	return c == '_' || c == '"' || isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
