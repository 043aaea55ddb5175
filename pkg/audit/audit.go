// Package audit records connection, authentication and execution events.
// Auditors are best effort: Emit swallows every failure so a broken sink
// can never stop a command from running.
package audit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType names what happened.
type EventType string

const (
	EventDialStart EventType = "SSH_CONNECTING"
	EventDialEnd   EventType = "SSH_CONNECT"
	EventAuthStart EventType = "SSH_AUTH"
	EventAuthEnd   EventType = "SSH_AUTH_RESULT"
	EventReuse     EventType = "SSH_REUSE"
	EventEvict     EventType = "SSH_CLOSE"

	EventExecStart EventType = "EXEC_START"
	EventExecEnd   EventType = "EXEC_END"

	EventScriptSubmit   EventType = "SCRIPT_SUBMIT"
	EventScriptVerdict  EventType = "SCRIPT_VERDICT"
	EventScriptApprove  EventType = "SCRIPT_APPROVE"
	EventScriptReject   EventType = "SCRIPT_REJECT"
	EventScriptComplete EventType = "SCRIPT_COMPLETE"
)

type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one audit record. Command must already be sanitized; Emit runs
// the sanitizer over Argv and derives Command from it when empty.
type Event struct {
	Time     time.Time
	Type     EventType
	Host     string
	User     string
	Port     uint16
	Command  string
	Argv     []string
	Outcome  Outcome
	Duration time.Duration
	ExitCode *int
	Reused   bool
	KeyPath  string
	ScriptID string
	Detail   string
	Error    string
}

// Auditor receives events. Implementations must be safe for concurrent use.
type Auditor interface {
	Audit(e *Event) error
}

// Func adapts a function to Auditor.
type Func func(e *Event) error

func (f Func) Audit(e *Event) error { return f(e) }

// Multi fans an event out to every auditor, continuing past failures.
type Multi []Auditor

func (m Multi) Audit(e *Event) error {
	var first error
	for _, a := range m {
		if a == nil {
			continue
		}
		if err := a.Audit(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Emit stamps and delivers e. A nil auditor is a no-op. Failures and panics
// from the auditor are logged at debug level and dropped.
func Emit(a Auditor, e Event) {
	if a == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if len(e.Argv) > 0 {
		e.Argv = Sanitize(e.Argv)
		if e.Command == "" {
			e.Command = SanitizeCommand(e.Argv)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			logrus.Debugf("audit sink panicked on %s: %v", e.Type, r)
		}
	}()
	if err := a.Audit(&e); err != nil {
		logrus.Debugf("failed to write audit event %s: %v", e.Type, err)
	}
}

// Code returns a pointer to code, for Event.ExitCode.
func Code(code int) *int { return &code }

func (e *Event) target() string {
	switch {
	case e.Host == "":
		return "local"
	case e.User == "":
		return e.Host
	default:
		return e.User + "@" + e.Host
	}
}

// Format renders the event as a single key=value line:
// 2024-01-15T14:32:05Z EXEC_END target="admin@web1" cmd="uptime" outcome=success exit=0 duration=12.0ms
func (e *Event) Format() string {
	var b strings.Builder

	b.WriteString(e.Time.UTC().Format(time.RFC3339))
	b.WriteString(" ")
	b.WriteString(string(e.Type))
	b.WriteString(" target=")
	b.WriteString(strconv.Quote(e.target()))
	if e.Port != 0 {
		b.WriteString(" port=")
		b.WriteString(strconv.Itoa(int(e.Port)))
	}
	writeOptionalField(&b, "script", e.ScriptID)
	writeOptionalField(&b, "cmd", e.Command)
	if e.Outcome != OutcomeNone {
		b.WriteString(" outcome=")
		b.WriteString(string(e.Outcome))
	}
	if e.ExitCode != nil {
		b.WriteString(" exit=")
		b.WriteString(strconv.Itoa(*e.ExitCode))
	}
	if e.Duration > 0 {
		b.WriteString(" duration=")
		b.WriteString(formatDuration(e.Duration))
	}
	if e.Type == EventReuse || e.Type == EventDialEnd {
		b.WriteString(" reused=")
		b.WriteString(strconv.FormatBool(e.Reused))
	}
	writeOptionalField(&b, "key", e.KeyPath)
	writeOptionalField(&b, "detail", e.Detail)
	writeOptionalField(&b, "error", e.Error)

	return b.String()
}

func writeOptionalField(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	b.WriteString(" ")
	b.WriteString(key)
	b.WriteString("=")
	b.WriteString(strconv.Quote(value))
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}
