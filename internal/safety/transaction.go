// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package safety

import (
	"fmt"

	"github.com/google/uuid"
)

// UndoFn reverses one recorded mutation. Errors are collected by Rollback
// rather than stopping the drain.
type UndoFn func() error

// undoAction pairs a human-readable description with its inverse.
type undoAction struct {
	description string
	undo        UndoFn
}

// Transaction is a per-invocation undo log. Create one per mutating gene
// invocation with NewTransaction, Record an inverse for every capability
// call the gene makes, then either Commit on success or Rollback on
// failure.
type Transaction struct {
	ID         string
	Locus      string
	log        []undoAction
	committed  bool
	rolledBack bool
}

// NewTransaction starts a transaction scoped to one locus invocation.
func NewTransaction(locus string) *Transaction {
	return &Transaction{ID: uuid.NewString(), Locus: locus}
}

// Record appends an undo action. Called by the wrapped capability as each
// mutating operation succeeds.
func (t *Transaction) Record(description string, undo UndoFn) {
	t.log = append(t.log, undoAction{description: description, undo: undo})
}

// ActionCount is how many undo actions have been recorded so far.
func (t *Transaction) ActionCount() int { return len(t.log) }

// Commit discards the undo log; the invocation's effects are kept.
func (t *Transaction) Commit() {
	t.committed = true
	t.log = nil
}

// Rollback drains the undo log in reverse order, attempting every inverse
// even if earlier ones fail. It returns the descriptions of any inverses
// that themselves failed, for the caller to report as TransactionIncomplete.
func (t *Transaction) Rollback() []string {
	t.rolledBack = true
	var failures []string
	for i := len(t.log) - 1; i >= 0; i-- {
		action := t.log[i]
		if err := action.undo(); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", action.description, err))
		}
	}
	t.log = nil
	return failures
}

// Committed reports whether Commit has been called.
func (t *Transaction) Committed() bool { return t.committed }

// RolledBack reports whether Rollback has been called.
func (t *Transaction) RolledBack() bool { return t.rolledBack }
