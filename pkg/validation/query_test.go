// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVectorQuery(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr bool
	}{
		// Valid queries
		{"simple", "How do I request vacation?", false},
		{"multi line", "paid leave policy\nvacation request workflow", false},
		{"tabs and CR", "leave\tpolicy\r\n", false},
		{"unicode", "休暇申請の手順について", false},
		{"max length", strings.Repeat("a", MaxVectorQueryBytes), false},

		// Invalid queries
		{"empty", "", true},
		{"whitespace only", " \n\t ", true},
		{"too long", strings.Repeat("a", MaxVectorQueryBytes+1), true},
		{"NUL byte", "vacation\x00policy", true},
		{"escape char", "vacation\x1b[31m", true},
		{"invalid utf8", "vacation\xff", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVectorQuery(tt.query)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVectorQuery(%q) error = %v, wantErr %v", tt.query, err, tt.wantErr)
			}
		})
	}
}

func TestValidateVectorQuery_EmptySentinel(t *testing.T) {
	if err := ValidateVectorQuery("   "); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("expected ErrEmptyQuery, got %v", err)
	}
}
