package git

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoHeadCommit is returned when the checked-out branch has no tip to
	// use as the parent of a new commit.
	ErrNoHeadCommit = errors.New("no head commit")

	// ErrPushRejected is returned when the remote refuses a push. The local
	// commit is kept.
	ErrPushRejected = errors.New("push rejected")
)

// PushReason classifies why a push failed. It is informational only.
type PushReason string

const (
	ReasonNonFastForward PushReason = "non-fast-forward"
	ReasonAuth           PushReason = "auth"
	ReasonOther          PushReason = "other"
)

// PushError carries the classification of a failed push.
// errors.Is(err, ErrPushRejected) holds for every PushError.
type PushError struct {
	Remote  string
	RefSpec string
	Reason  PushReason
	Err     error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("%s to %s (%s) [%s]: %v", ErrPushRejected, e.Remote, e.RefSpec, e.Reason, e.Err)
}

func (e *PushError) Unwrap() []error {
	return []error{ErrPushRejected, e.Err}
}

// CommandError records a failed git invocation with its combined output
type CommandError struct {
	Args   []string
	Err    error
	Output string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s failed", strings.Join(e.Args, " "))
	if out := strings.TrimSpace(e.Output); out != "" {
		msg = fmt.Sprintf("%s: %s", msg, out)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// classifyPushOutput maps git push output to a reason
func classifyPushOutput(output string) PushReason {
	out := strings.ToLower(output)
	switch {
	case strings.Contains(out, "non-fast-forward"),
		strings.Contains(out, "fetch first"),
		strings.Contains(out, "[rejected]"):
		return ReasonNonFastForward
	case strings.Contains(out, "authentication failed"),
		strings.Contains(out, "permission denied"),
		strings.Contains(out, "could not read username"),
		strings.Contains(out, "403"):
		return ReasonAuth
	default:
		return ReasonOther
	}
}
