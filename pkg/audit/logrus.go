package audit

import (
	"github.com/sirupsen/logrus"
)

// Logger writes events through logrus with structured fields. Connection
// detail (reuse, key path) and durations only appear at debug level.
type Logger struct {
	log *logrus.Logger
}

// NewLogger returns a Logger on l, or on the standard logrus logger when l is
// nil.
func NewLogger(l *logrus.Logger) *Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Logger{log: l}
}

func (l *Logger) Audit(e *Event) error {
	fields := logrus.Fields{
		"event":  string(e.Type),
		"target": e.target(),
	}
	if e.Command != "" {
		fields["command"] = e.Command
	}
	if e.ScriptID != "" {
		fields["script_id"] = e.ScriptID
	}
	if e.Outcome != OutcomeNone {
		fields["outcome"] = string(e.Outcome)
	}
	if e.ExitCode != nil {
		fields["exit_code"] = *e.ExitCode
	}
	if e.Detail != "" {
		fields["detail"] = e.Detail
	}

	debug := l.log.IsLevelEnabled(logrus.DebugLevel)
	if debug {
		if e.Port != 0 {
			fields["port"] = e.Port
		}
		if e.Duration > 0 {
			fields["duration"] = formatDuration(e.Duration)
		}
		if e.Type == EventReuse || e.Type == EventDialEnd {
			fields["reused"] = e.Reused
		}
		if e.KeyPath != "" {
			fields["key"] = e.KeyPath
		}
	}

	entry := l.log.WithFields(fields)
	switch {
	case e.Error != "":
		entry.WithField("error", e.Error).Warn(string(e.Type))
	case e.Type == EventDialStart || e.Type == EventAuthStart || e.Type == EventExecStart || e.Type == EventReuse:
		entry.Debug(string(e.Type))
	default:
		entry.Info(string(e.Type))
	}
	return nil
}
