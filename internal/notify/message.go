package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/oyanagi/dencal/internal/reconcile"
)

// CompletionMessage builds the Japanese mail announcing a finished run. The
// recipients read these on their phones, so the body stays short: the images,
// the detected dates, then one line per account.
func CompletionMessage(imageNames []string, title string, dates []string, result reconcile.Result) (subject, body string) {
	summary := result.Summarize()

	label := joinNames(imageNames)

	subject = fmt.Sprintf("カレンダー登録完了: %s", label)
	if summary.Errors > 0 {
		subject = fmt.Sprintf("カレンダー登録一部失敗: %s", label)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "画像「%s」の処理が完了しました。\n\n", label)
	fmt.Fprintf(&b, "イベント名: %s\n", title)
	fmt.Fprintf(&b, "検出された日付: %s\n\n", strings.Join(dates, ", "))

	keys := make([]string, 0, len(result.Accounts))
	for key := range result.Accounts {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		var created, skipped, errored int
		for _, out := range result.Accounts[key] {
			switch out.Status {
			case reconcile.StatusCreated:
				created++
			case reconcile.StatusSkipped:
				skipped++
			case reconcile.StatusError:
				errored++
			}
		}
		fmt.Fprintf(&b, "[%s] 登録 %d 件 / スキップ %d 件", key, created, skipped)
		if errored > 0 {
			fmt.Fprintf(&b, " / エラー %d 件", errored)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\n合計: 登録 %d 件、スキップ %d 件", summary.Created, summary.Skipped)
	if summary.Errors > 0 {
		fmt.Fprintf(&b, "、エラー %d 件", summary.Errors)
	}
	b.WriteString("\n")

	return subject, b.String()
}

// FailureMessage builds the mail for a run that aborted before any calendar
// write happened.
func FailureMessage(imageNames []string, reason string) (subject, body string) {
	label := joinNames(imageNames)
	subject = fmt.Sprintf("カレンダー登録失敗: %s", label)
	body = fmt.Sprintf("画像「%s」の処理に失敗しました。\n\n理由: %s\n", label, reason)
	return subject, body
}

// joinNames keeps multi-image subjects readable: the first name plus a count.
func joinNames(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	default:
		return fmt.Sprintf("%s ほか%d枚", names[0], len(names)-1)
	}
}
