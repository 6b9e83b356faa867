package jobclient

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

var (
	// ErrPermanent 任務永久失敗，不可用相同輸入重試
	ErrPermanent = errors.New("job failed permanently")
	// ErrRetriesExhausted 重新提交次數用盡
	ErrRetriesExhausted = errors.New("job retries exhausted")
	// ErrCanceled 呼叫端取消
	ErrCanceled = errors.New("job canceled")

	// ErrSubmitRejected 供應商以非成功狀態拒絕提交（硬錯誤）
	ErrSubmitRejected = errors.New("provider rejected submission")

	errLostJob = errors.New("remote job lost")
	errStalled = errors.New("wait budget exceeded without terminal status")
)

// ReasonMalformedResult 成功狀態但結果無法解析
const ReasonMalformedResult = "malformed result"

// ErrorKind 任務錯誤分類
type ErrorKind string

const (
	KindPermanent        ErrorKind = "permanent"
	KindRetriesExhausted ErrorKind = "retries_exhausted"
	KindCanceled         ErrorKind = "canceled"
)

// JobError is the only error RunJob returns.
type JobError struct {
	Family   types.JobFamily
	Kind     ErrorKind
	Reason   string
	Hard     bool // unclassified provider status or rejected submission
	Attempts int
	Cause    error
}

func (e *JobError) Error() string {
	msg := fmt.Sprintf("%s job %s after %d attempt(s)", e.Family, e.Kind, e.Attempts)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is lets errors.Is match JobError against the package sentinels.
func (e *JobError) Is(target error) bool {
	switch target {
	case ErrPermanent:
		return e.Kind == KindPermanent
	case ErrRetriesExhausted:
		return e.Kind == KindRetriesExhausted
	case ErrCanceled:
		return e.Kind == KindCanceled
	}
	return false
}

func (e *JobError) Unwrap() error { return e.Cause }

// AsJobError extracts a *JobError from err.
func AsJobError(err error) (*JobError, bool) {
	var je *JobError
	if errors.As(err, &je) {
		return je, true
	}
	return nil, false
}
