// ============================================================================
// Beaver-Audit Classifier - Remote Status Decision Table
// ============================================================================
//
// Package: internal/jobclient
// File: classify.go
// Function: Map a provider status code/message into the four-way PollOutcome
//
// Decision table:
//   20000                          → Success (result present)
//   20100, 40601, 40602            → Pending (accepted / handed to worker / queued)
//   40102                          → PermanentFailure (no results for this input)
//   40401, "Task Not Found"        → LostJob (resubmit with a fresh handle)
//   anything else                  → PermanentFailure, Hard = true
//
// Pending never consumes retry budget. An unknown code is never Pending.
//
// ============================================================================

package jobclient

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Provider status codes of the submit/poll protocol.
const (
	StatusOK           = 20000
	StatusCreated      = 20100
	StatusNoResults    = 40102
	StatusTaskNotFound = 40401
	StatusInProgress   = 40601
	StatusInQueue      = 40602
)

const taskNotFoundMessage = "task not found"

// RawStatus is one poll response as reported by the provider.
type RawStatus struct {
	Code    int             `json:"status_code"`
	Message string          `json:"status_message"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// OutcomeKind tags a PollOutcome.
type OutcomeKind int

const (
	OutcomePending OutcomeKind = iota
	OutcomeSuccess
	OutcomePermanentFailure
	OutcomeLostJob
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	case OutcomePermanentFailure:
		return "permanent_failure"
	case OutcomeLostJob:
		return "lost_job"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// PollOutcome is produced by each poll and consumed immediately.
type PollOutcome struct {
	Kind    OutcomeKind
	Payload json.RawMessage // set for OutcomeSuccess
	Reason  string          // why the job failed or was lost
	Hard    bool            // unclassified provider status
}

// Pending returns the zero-payload pending outcome.
func Pending() PollOutcome { return PollOutcome{Kind: OutcomePending} }

// Classify maps a raw provider status into a PollOutcome.
func Classify(raw RawStatus) PollOutcome {
	if strings.Contains(strings.ToLower(raw.Message), taskNotFoundMessage) {
		return PollOutcome{Kind: OutcomeLostJob}
	}

	switch raw.Code {
	case StatusOK:
		// 20000 on the envelope with an empty result means the worker has not
		// materialized the payload yet.
		if isEmptyResult(raw.Result) {
			return Pending()
		}
		return PollOutcome{Kind: OutcomeSuccess, Payload: raw.Result}
	case StatusCreated, StatusInProgress, StatusInQueue:
		return Pending()
	case StatusNoResults:
		return PollOutcome{Kind: OutcomePermanentFailure, Reason: "no results for the given input"}
	case StatusTaskNotFound:
		return PollOutcome{Kind: OutcomeLostJob}
	}

	return PollOutcome{
		Kind:   OutcomePermanentFailure,
		Reason: fmt.Sprintf("unclassified provider status %d: %s", raw.Code, raw.Message),
		Hard:   true,
	}
}

func isEmptyResult(b json.RawMessage) bool {
	s := strings.TrimSpace(string(b))
	return s == "" || s == "null" || s == "[]"
}
