package pipeline

import (
	"fmt"
	"strings"

	"github.com/ahrav/renderwatch/internal/app/polling"
	"github.com/ahrav/renderwatch/internal/domain/tasks"
)

// Message templates shown to the operator when a job ends without a result.
const (
	quotaMessage    = "Insufficient credits or quota exhausted. Top up your plan, then retry."
	genericTemplate = "%s failed: %s"
	lostMessage     = "%s was lost: the server no longer recognizes job %s."
	timeoutMessage  = "%s did not finish in time: %s"
	submitTemplate  = "%s could not be submitted: %s"
)

// quotaMarkers are lower-cased phrases identifying quota or credit exhaustion
// in server error text. They are phrases rather than single words so that
// numbers and unrelated words in raw errors do not match.
var quotaMarkers = []string{
	"insufficient credit",
	"insufficient_credits",
	"not enough credits",
	"out of credits",
	"no credits",
	"credits exhausted",
	"credit balance",
	"quota exceeded",
	"quota exhausted",
	"exceeded your quota",
	"quota_exceeded",
	"usage limit",
	"payment required",
}

// quotaCodes are server error codes that mean the same thing.
var quotaCodes = map[string]struct{}{
	"insufficient_credits":    {},
	"quota_exceeded":          {},
	tasks.CodePaymentRequired: {},
}

// IsQuotaError reports whether a server error denotes quota or credit exhaustion.
func IsQuotaError(message, code string) bool {
	if _, ok := quotaCodes[strings.ToLower(code)]; ok {
		return true
	}
	msg := strings.ToLower(message)
	for _, marker := range quotaMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// UserMessage translates a watch failure into the text a subject's row shows.
// subject names the work, e.g. "Scene 3" or "Combination".
func UserMessage(subject string, f *polling.Failure) string {
	if f == nil {
		return fmt.Sprintf(genericTemplate, subject, "unknown error")
	}
	if IsQuotaError(f.Message, f.Code) {
		return quotaMessage
	}

	raw := f.Message
	if raw == "" {
		raw = f.Kind.String()
	}
	switch f.Kind {
	case polling.FailureLost:
		return fmt.Sprintf(lostMessage, subject, f.JobID)
	case polling.FailureTimeout, polling.FailureMaxAttempts:
		return fmt.Sprintf(timeoutMessage, subject, raw)
	case polling.FailureSubmit:
		return fmt.Sprintf(submitTemplate, subject, raw)
	default:
		return fmt.Sprintf(genericTemplate, subject, raw)
	}
}
