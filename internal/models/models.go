// Package models defines the core data structures for StampPipe.
//
// It includes the conversation state, users, inbound events and outbound actions
// shared by the store, flow, messaging and api packages.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// FlowName identifies which conversational flow owns a user. The empty name means idle.
type FlowName string

const (
	// FlowNone marks an idle user; any flow may claim it.
	FlowNone FlowName = ""
	// FlowSignup captures business details before the stamp card demo.
	FlowSignup FlowName = "signup"
	// FlowDemo is the stamp card demo.
	FlowDemo FlowName = "demo"
	// FlowDemoStreak simulates consecutive visits to show streak rewards.
	FlowDemoStreak FlowName = "demo_streak"
	// FlowDemoComplete waits for the user to pick a follow-up after the demo.
	FlowDemoComplete FlowName = "demo_complete"
	// FlowMore is the "more features" menu.
	FlowMore FlowName = "more"
	// FlowMeeting books a meeting about a service.
	FlowMeeting FlowName = "meeting"
	// FlowBudget sets a monthly budget.
	FlowBudget FlowName = "budget"
	// FlowBudgetLog logs a single expense.
	FlowBudgetLog FlowName = "budget_log"
	// FlowIncident reports an incident, optionally with a photo.
	FlowIncident FlowName = "incident"
	// FlowQueue is the community queue check-in.
	FlowQueue FlowName = "queue"
	// FlowVoicelog records the weekly voice journal.
	FlowVoicelog FlowName = "voicelog"
)

// IsIdle reports whether no flow owns the user.
func (f FlowName) IsIdle() bool {
	return f == FlowNone
}

// ConversationState is the single per-user slot shared by all flows.
// Step is only ever a position within ActiveFlow; transient values live in Aux.
type ConversationState struct {
	UserID     string          `json:"user_id"`
	ActiveFlow FlowName        `json:"active_flow"`
	Step       int             `json:"step"`
	Aux        json.RawMessage `json:"aux,omitempty"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Is reports whether the state is owned by flow at the given step.
func (s ConversationState) Is(flow FlowName, step int) bool {
	return s.ActiveFlow == flow && s.Step == step
}

// IsIdle reports whether the user is not inside any flow.
func (s ConversationState) IsIdle() bool {
	return s.ActiveFlow.IsIdle()
}

// User is a messaging-network address with its demo counters.
type User struct {
	ID              string     `json:"user_id"`
	DisplayName     string     `json:"display_name"`
	CreatedAt       time.Time  `json:"created_at"`
	LastSeenAt      time.Time  `json:"last_seen_at"`
	VisitCount      int        `json:"visit_count"`
	LastVisitAt     *time.Time `json:"last_visit_at"`
	PreferredChoice string     `json:"preferred_choice"`
	Birthday        string     `json:"birthday"`
	VoicelogOptIn   bool       `json:"voicelog_opt_in"`
}

// Error variables for validation of events and actions.
var (
	ErrEmptyRecipient   = errors.New("recipient cannot be empty")
	ErrEmptyMessageID   = errors.New("message id cannot be empty")
	ErrEmptyBody        = errors.New("body cannot be empty")
	ErrBodyTooLong      = errors.New("body exceeds maximum length")
	ErrEmptyImageURL    = errors.New("image url cannot be empty")
	ErrInvalidButtons   = errors.New("interactive buttons must have between 1 and 3 options")
	ErrButtonTitleLong  = errors.New("button title exceeds maximum length")
	ErrInvalidListRows  = errors.New("interactive list must have between 1 and 10 rows")
	ErrUnknownEventKind = errors.New("unknown inbound event kind")
)
