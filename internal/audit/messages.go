package audit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/beaver-audit/internal/jobclient"
	"github.com/ChuLiYu/beaver-audit/internal/provider"
	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

// TaskError 任務失敗，Message 為顯示給使用者的訊息
type TaskError struct {
	TaskID  string
	Message string
	Err     error
}

func (e *TaskError) Error() string { return e.Message }

func (e *TaskError) Unwrap() error { return e.Err }

// displayName 各 family 在訊息中的名稱
func displayName(f types.JobFamily) string {
	switch f {
	case types.FamilyReviews:
		return "Review collection"
	case types.FamilyScrape:
		return "Website scan"
	case types.FamilyRankCheck:
		return "Rank check"
	}
	return string(f)
}

// UserMessage 將任務錯誤轉成使用者看得懂的訊息，不含供應商狀態碼
//
// 永久失敗再細分：未知狀態碼、被拒絕的提交與無法解析的結果屬於硬錯誤，
// 顯示 "<family> failed"；網站掃描的 4xx 提示檢查網址；其餘才是查無結果。
func UserMessage(family types.JobFamily, label string, err error) string {
	je, _ := jobclient.AsJobError(err)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, jobclient.ErrCanceled):
		return "Cancelled after switching subjects."
	case je != nil && je.Kind == jobclient.KindPermanent && je.Hard:
		return fmt.Sprintf("%s failed: unexpected response from the data provider.", displayName(family))
	case je != nil && je.Kind == jobclient.KindPermanent && strings.HasPrefix(je.Reason, provider.ReasonPageUnreachable):
		return "Website unreachable. Check the URL."
	case errors.Is(err, jobclient.ErrPermanent):
		return fmt.Sprintf("No results found for %s. Check the business name.", label)
	case errors.Is(err, jobclient.ErrRetriesExhausted):
		return fmt.Sprintf("%s is temporarily unavailable, try again later.", displayName(family))
	}
	return fmt.Sprintf("%s failed: %v", displayName(family), err)
}
