package jobclient

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		raw      RawStatus
		wantKind OutcomeKind
		wantHard bool
	}{
		{"success with result", RawStatus{Code: 20000, Message: "Ok.", Result: json.RawMessage(`[{"x":1}]`)}, OutcomeSuccess, false},
		{"success without result yet", RawStatus{Code: 20000, Message: "Ok.", Result: json.RawMessage(`null`)}, OutcomePending, false},
		{"success with empty array", RawStatus{Code: 20000, Result: json.RawMessage(`[]`)}, OutcomePending, false},
		{"created", RawStatus{Code: 20100, Message: "Task Created."}, OutcomePending, false},
		{"handed to worker", RawStatus{Code: 40601, Message: "Task Handed."}, OutcomePending, false},
		{"queued", RawStatus{Code: 40602, Message: "Task In Queue."}, OutcomePending, false},
		{"no results", RawStatus{Code: 40102, Message: "No Search Results."}, OutcomePermanentFailure, false},
		{"task not found code", RawStatus{Code: 40401, Message: "Not Found."}, OutcomeLostJob, false},
		{"task not found message", RawStatus{Code: 40400, Message: "Task Not Found."}, OutcomeLostJob, false},
		{"task not found lowercase", RawStatus{Code: 0, Message: "error: task not found"}, OutcomeLostJob, false},
		{"unauthorized", RawStatus{Code: 40100, Message: "Not Authorized."}, OutcomePermanentFailure, true},
		{"server error", RawStatus{Code: 50000, Message: "Internal Error."}, OutcomePermanentFailure, true},
		{"zero", RawStatus{}, OutcomePermanentFailure, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.raw)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantHard, got.Hard)
			if got.Kind == OutcomeSuccess {
				assert.JSONEq(t, string(tt.raw.Result), string(got.Payload))
			}
		})
	}
}

func TestClassify_UnknownCodesNeverPending(t *testing.T) {
	documentedPending := map[int]bool{StatusCreated: true, StatusInProgress: true, StatusInQueue: true}
	for code := 10000; code < 60000; code += 7 {
		if documentedPending[code] || code == StatusOK {
			continue
		}
		got := Classify(RawStatus{Code: code, Message: "whatever"})
		assert.NotEqual(t, OutcomePending, got.Kind, "code %d", code)
	}
}

func TestOutcomeKindString(t *testing.T) {
	assert.Equal(t, "pending", OutcomePending.String())
	assert.Equal(t, "lost_job", OutcomeLostJob.String())
	assert.Equal(t, "outcome(9)", OutcomeKind(9).String())
}
