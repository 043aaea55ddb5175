package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Status is the policy check outcome.
type Status string

const (
	StatusOK             Status = "OK"
	StatusBadDescription Status = "BAD_DESCRIPTION"
	StatusPolicy         Status = "POLICY"
	StatusModifiesSystem Status = "MODIFIES_SYSTEM"
	StatusUnclear        Status = "UNCLEAR"
	StatusDangerous      Status = "DANGEROUS"
	StatusMalicious      Status = "MALICIOUS"
)

var statuses = []Status{
	StatusOK, StatusBadDescription, StatusPolicy, StatusModifiesSystem,
	StatusUnclear, StatusDangerous, StatusMalicious,
}

// ParseStatus accepts the wire form of a status.
func ParseStatus(s string) (Status, error) {
	for _, st := range statuses {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown policy status %q", s)
}

// Verdict is the policy check result for one script. It is never changed
// after the check returns.
type Verdict struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (v Verdict) OK() bool { return v.Status == StatusOK }

// PolicyRequest is what the policy check sees.
type PolicyRequest struct {
	Description string `json:"description"`
	ScriptType  Kind   `json:"script_type"`
	Script      string `json:"script"`
	Readonly    bool   `json:"readonly"`
}

// PolicyChecker screens a script before anything may run it.
type PolicyChecker interface {
	Check(ctx context.Context, req PolicyRequest) (Verdict, error)
}

type PolicyFunc func(ctx context.Context, req PolicyRequest) (Verdict, error)

func (f PolicyFunc) Check(ctx context.Context, req PolicyRequest) (Verdict, error) {
	return f(ctx, req)
}

var ErrRejected = errors.New("script rejected by policy check")

// RejectedError carries a non-OK verdict out of the direct run modes.
type RejectedError struct {
	Verdict  Verdict
	Readonly bool
}

func (e *RejectedError) Error() string {
	d := e.Verdict.Detail
	switch e.Verdict.Status {
	case StatusBadDescription:
		return "bad description: " + d
	case StatusPolicy:
		return "policy violation: " + d
	case StatusModifiesSystem:
		if e.Readonly {
			return "script modifies the system, run it in modify mode: " + d
		}
		return "policy check returned MODIFIES_SYSTEM for a script run in modify mode"
	case StatusUnclear:
		return "unclear script: " + d
	case StatusDangerous:
		return "dangerous script: " + d
	case StatusMalicious:
		// detail withheld
		return "possibly malicious script: not allowed"
	default:
		return fmt.Sprintf("script rejected with status %s", e.Verdict.Status)
	}
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// Rule is one StaticPolicy pattern.
type Rule struct {
	Pattern *regexp.Regexp
	Status  Status
	Detail  string
}

// StaticPolicy is an offline checker: a description is required, and the
// first matching rule decides. Scripts that match nothing pass.
type StaticPolicy struct {
	Rules []Rule
	// MinDescription is the shortest accepted description.
	MinDescription int
}

// DefaultStaticPolicy refuses the obviously destructive and the obviously
// hostile.
func DefaultStaticPolicy() *StaticPolicy {
	return &StaticPolicy{
		MinDescription: 10,
		Rules: []Rule{
			{regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+(/|/\*|~)(\s|;|$)`), StatusDangerous, "recursively deletes the root or home directory"},
			{regexp.MustCompile(`\bmkfs(\.\w+)?\b`), StatusDangerous, "creates a filesystem"},
			{regexp.MustCompile(`\bdd\b[^\n]*\bof=/dev/`), StatusDangerous, "writes to a raw device"},
			{regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`), StatusMalicious, "fork bomb"},
			{regexp.MustCompile(`(curl|wget)[^\n|]*\|\s*(ba)?sh\b`), StatusMalicious, "pipes a download into a shell"},
			{regexp.MustCompile(`/dev/tcp/`), StatusMalicious, "opens a raw network socket"},
			{regexp.MustCompile(`\b(shutdown|reboot|poweroff|halt)\b`), StatusPolicy, "changes the power state of the host"},
		},
	}
}

var modifyingPattern = regexp.MustCompile(`\b(rm|mv|cp|chmod|chown|tee|sed\s+-i|systemctl\s+(start|stop|restart|enable|disable)|dnf|yum|apt(-get)?|useradd|usermod)\b|>>?\s*/(etc|usr|var|boot|opt|root|home)/`)

func (p *StaticPolicy) Check(_ context.Context, req PolicyRequest) (Verdict, error) {
	if len(strings.TrimSpace(req.Description)) < p.MinDescription {
		return Verdict{Status: StatusBadDescription, Detail: "the description does not say what the script does"}, nil
	}
	// the body carries the strict-mode preamble for bash
	if strings.TrimSpace(strings.TrimPrefix(req.Script, bashStrictPreamble)) == "" {
		return Verdict{Status: StatusUnclear, Detail: "the script is empty"}, nil
	}
	for _, r := range p.Rules {
		if r.Pattern.MatchString(req.Script) {
			return Verdict{Status: r.Status, Detail: r.Detail}, nil
		}
	}
	if req.Readonly && modifyingPattern.MatchString(req.Script) {
		return Verdict{Status: StatusModifiesSystem, Detail: "the script appears to change files or services"}, nil
	}
	return Verdict{Status: StatusOK}, nil
}
