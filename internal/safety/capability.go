// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package safety

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/sgrun/sgrun/internal/sgerr"
)

// OperationSpec registers one named capability operation. Execute performs
// the real side effect; Inverse builds the undo closure from the same
// arguments and the result Execute returned, or returns ok=false for
// read-only operations that need no inverse. Callers register a table
// instead of decorating or intercepting methods on the capability's
// concrete type, which keeps the safety layer generic over capability
// domains.
type OperationSpec struct {
	Execute func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)
	Inverse func(args starlark.Tuple, kwargs []starlark.Tuple, result starlark.Value) (UndoFn, bool)
}

// Table maps operation name to its spec. A capability domain (the kernel
// injected as gene_sdk) builds one of these at startup.
type Table map[string]OperationSpec

// Capability is the wrapped gene_sdk object handed to a sandboxed
// invocation. Every call to a registered operation is recorded against txn
// (if non-nil) before returning to the allele. It implements starlark.Value
// and starlark.HasAttrs so it can be injected directly as a Starlark global.
type Capability struct {
	table Table
	txn   *Transaction
}

// NewCapability wraps table for one invocation, recording undo actions into
// txn. Pass a nil txn for read-only (no-transaction) invocations; operation
// calls still execute but no inverse is recorded.
func NewCapability(table Table, txn *Transaction) *Capability {
	return &Capability{table: table, txn: txn}
}

var _ starlark.Value = (*Capability)(nil)
var _ starlark.HasAttrs = (*Capability)(nil)

func (c *Capability) String() string        { return "gene_sdk" }
func (c *Capability) Type() string          { return "gene_sdk" }
func (c *Capability) Freeze()                {}
func (c *Capability) Truth() starlark.Bool   { return starlark.True }
func (c *Capability) Hash() (uint32, error)  { return 0, fmt.Errorf("gene_sdk is not hashable") }

// Attr exposes table[name] as a callable Starlark builtin.
func (c *Capability) Attr(name string) (starlark.Value, error) {
	spec, ok := c.table[name]
	if !ok {
		return nil, nil // starlark.HasAttrs: nil, nil means "no such attribute"
	}
	opName := name
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		result, err := spec.Execute(args, kwargs)
		if err != nil {
			return nil, sgerr.New(sgerr.ProtectedResource, err)
		}
		if c.txn != nil && spec.Inverse != nil {
			if undo, ok := spec.Inverse(args, kwargs, result); ok {
				c.txn.Record(opName, undo)
			}
		}
		if result == nil {
			return starlark.None, nil
		}
		return result, nil
	}), nil
}

// AttrNames lists every registered operation, for introspection/REPL use.
func (c *Capability) AttrNames() []string {
	names := make([]string, 0, len(c.table))
	for k := range c.table {
		names = append(names, k)
	}
	return names
}
