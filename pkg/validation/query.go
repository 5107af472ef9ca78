// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for values that leave the process.
//
// Model-generated text is forwarded verbatim to third-party APIs as query
// parameters. These validators report values that are likely to be refused
// or mis-handled downstream. Callers decide whether to block or only log;
// the text itself is never rewritten.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxVectorQueryBytes bounds the vector search text sent in a URL query.
const MaxVectorQueryBytes = 8 * 1024

// ErrEmptyQuery is returned when the query has no non-whitespace content.
var ErrEmptyQuery = errors.New("query cannot be empty")

// ValidateVectorQuery checks that query can be sent as a vector search parameter.
//
// Valid queries:
//   - contain at least one non-whitespace character
//   - are valid UTF-8
//   - are at most MaxVectorQueryBytes long
//   - contain no control characters other than tab, CR and LF
//
// The query is never modified.
//
// Example:
//
//	if err := validation.ValidateVectorQuery(text); err != nil {
//	    slog.Warn("unusual search query", "error", err)
//	}
func ValidateVectorQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		return ErrEmptyQuery
	}

	if len(query) > MaxVectorQueryBytes {
		return fmt.Errorf("query is %d bytes, limit is %d", len(query), MaxVectorQueryBytes)
	}

	if !utf8.ValidString(query) {
		return fmt.Errorf("query is not valid UTF-8")
	}

	for i, r := range query {
		if unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r' {
			return fmt.Errorf("query contains control character %U at byte %d", r, i)
		}
	}

	return nil
}
