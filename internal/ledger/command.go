package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
)

const (
	approvedPrefix = "APPROVED:"
	rejectedPrefix = "REJECTED:"
)

// Decision is a human verdict encoded in a chat message.
type Decision struct {
	Verdict Verdict
	TaskID  string
	// Budget is the approved command budget; zero when the command omits it
	// or it does not parse.
	Budget int
}

// ParseDecision recognizes "APPROVED:<taskId>:<budget>" and "REJECTED:<taskId>".
// The prefix match is case-insensitive. Anything else, including a command
// with an empty task id, is plain text.
func ParseDecision(content string) (Decision, bool) {
	text := strings.TrimSpace(content)
	upper := strings.ToUpper(text)

	var d Decision
	var rest string
	switch {
	case strings.HasPrefix(upper, approvedPrefix):
		d.Verdict = VerdictApproved
		rest = text[len(approvedPrefix):]
	case strings.HasPrefix(upper, rejectedPrefix):
		d.Verdict = VerdictRejected
		rest = text[len(rejectedPrefix):]
	default:
		return Decision{}, false
	}

	parts := strings.SplitN(strings.TrimSpace(rest), ":", 2)
	d.TaskID = strings.TrimSpace(parts[0])
	if d.TaskID == "" {
		return Decision{}, false
	}
	if d.Verdict == VerdictApproved && len(parts) == 2 {
		budget := strings.TrimSpace(parts[1])
		if i := strings.IndexByte(budget, ':'); i >= 0 {
			budget = budget[:i]
		}
		if n, err := strconv.Atoi(budget); err == nil && n > 0 {
			d.Budget = n
		}
	}
	return d, true
}

// ApproveCommand formats the approval message for taskID.
func ApproveCommand(taskID string, maxCommands int) string {
	return fmt.Sprintf("%s%s:%d", approvedPrefix, taskID, maxCommands)
}

// RejectCommand formats the rejection message for taskID.
func RejectCommand(taskID string) string {
	return rejectedPrefix + taskID
}
