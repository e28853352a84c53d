// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contract

import (
	"encoding/json"
	"fmt"
)

// ValidatePayload checks a JSON-encoded value against an ordered field list
// (a contract's takes or gives). It is intentionally narrow: it understands
// only the four scalar base types plus the sequence/nullable qualifiers,
// not a general JSON-schema grammar.
func ValidatePayload(fields []Field, payload []byte) error {
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("contract: payload is not a JSON object: %w", err)
	}
	for _, f := range fields {
		v, present := decoded[f.Name]
		if !present || v == nil {
			if f.Optional || f.Type.Nullable || f.Default != nil {
				continue
			}
			return fmt.Errorf("contract: missing required field %q", f.Name)
		}
		if f.Type.Sequence {
			seq, ok := v.([]any)
			if !ok {
				return fmt.Errorf("contract: field %q: expected sequence, got %T", f.Name, v)
			}
			for i, elem := range seq {
				if !matchesBase(f.Type.Base, elem) {
					return fmt.Errorf("contract: field %q[%d]: expected %s, got %T", f.Name, i, f.Type.Base, elem)
				}
			}
			continue
		}
		if !matchesBase(f.Type.Base, v) {
			return fmt.Errorf("contract: field %q: expected %s, got %T", f.Name, f.Type.Base, v)
		}
	}
	return nil
}

func matchesBase(base string, v any) bool {
	switch base {
	case "string":
		_, ok := v.(string)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	case "int", "float":
		_, ok := v.(float64) // JSON numbers decode as float64
		return ok
	default:
		return false
	}
}
