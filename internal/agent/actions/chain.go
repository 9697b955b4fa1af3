// Package actions models the chain of executor actions run for a task attempt.
//
// A chain is a singly linked list of immutable nodes. Each node owns its
// successor: a node can be linked behind exactly one predecessor, and
// linking it behind a second one panics. Building a new chain therefore
// always allocates new head nodes and hands the old tail over intact.
package actions

import (
	"fmt"
	"sync/atomic"

	"github.com/anyon/anyon/internal/common/errors"
)

// ExecutorAction is one node of an action chain.
type ExecutorAction struct {
	typ  ActionType
	next *ExecutorAction

	claimed  atomic.Bool // linked behind a predecessor
	consumed atomic.Bool // tail handed to a replacement head
}

// New builds typ -> next, taking ownership of next. next may be nil.
func New(typ ActionType, next *ExecutorAction) *ExecutorAction {
	if typ == nil {
		panic("actions: nil action type")
	}
	if next != nil && !next.claimed.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("actions: %s node already has a predecessor", next.typ.Kind()))
	}
	return &ExecutorAction{typ: typ, next: next}
}

// Prepend builds newHead -> chain. chain must not already be linked elsewhere.
func Prepend(chain *ExecutorAction, newHead ActionType) *ExecutorAction {
	return New(newHead, chain)
}

// Head returns the action to execute now.
func (a *ExecutorAction) Head() ActionType {
	return a.typ
}

// Rest returns the remainder after the head, or nil when the head is last.
func (a *ExecutorAction) Rest() *ExecutorAction {
	return a.next
}

// HasRest reports whether anything is scheduled after the head.
func (a *ExecutorAction) HasRest() bool {
	return a.next != nil
}

// ReplaceHead builds typ -> a.Rest() and retires a. The remainder moves to
// the new head unchanged; a must not be replaced twice.
func (a *ExecutorAction) ReplaceHead(typ ActionType) *ExecutorAction {
	if typ == nil {
		panic("actions: nil action type")
	}
	if !a.consumed.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("actions: %s node already replaced", a.typ.Kind()))
	}
	return &ExecutorAction{typ: typ, next: a.next}
}

// Len returns the number of nodes in the chain.
func (a *ExecutorAction) Len() int {
	n := 0
	for cur := a; cur != nil; cur = cur.next {
		n++
	}
	return n
}

// ExecutorProfile returns the profile of a coding-agent head. Script heads
// fail with NOT_CODING_AGENT_ACTION.
func (a *ExecutorAction) ExecutorProfile() (ExecutorProfileID, error) {
	switch t := a.typ.(type) {
	case CodingAgentInitialRequest:
		return t.ExecutorProfileID, nil
	case CodingAgentFollowUpRequest:
		return t.ExecutorProfileID, nil
	default:
		return ExecutorProfileID{}, errors.NotCodingAgentAction(string(a.typ.Kind()))
	}
}

// Prompt returns the prompt of a coding-agent head, or "".
func (a *ExecutorAction) Prompt() string {
	switch t := a.typ.(type) {
	case CodingAgentInitialRequest:
		return t.Prompt
	case CodingAgentFollowUpRequest:
		return t.Prompt
	default:
		return ""
	}
}
