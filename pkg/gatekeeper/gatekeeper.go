// Package gatekeeper runs free-form scripts only after a policy check and,
// for the interactive path, an explicit human approval.
//
// A submitted script moves through
//
//	initial -> waiting-approval -> executing -> success | failure
//
// or ends in rejected-gatekeeper (the policy check said no or could not be
// reached) or rejected-user (a human declined). Approve and Reject are only
// valid in waiting-approval, so a script can never run twice or run without
// approval.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"linuxdiag/pkg/audit"
	"linuxdiag/pkg/command"
	"linuxdiag/pkg/define"
	"linuxdiag/pkg/metrics"
	"linuxdiag/pkg/router"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidState = errors.New("invalid state for this operation")
	ErrNotFound     = errors.New("no such script execution")
	ErrInvalidKind  = errors.New("unsupported script type")
	ErrNoResult     = errors.New("script has not been executed")
)

type State string

const (
	StateInitial            State = "initial"
	StateWaitingApproval    State = "waiting-approval"
	StateExecuting          State = "executing"
	StateSuccess            State = "success"
	StateFailure            State = "failure"
	StateRejectedGatekeeper State = "rejected-gatekeeper"
	StateRejectedUser       State = "rejected-user"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRejectedGatekeeper, StateRejectedUser:
		return true
	}
	return false
}

// Submission is a script handed in for review.
type Submission struct {
	Script      string `json:"script"`
	Kind        Kind   `json:"script_type"`
	Description string `json:"description"`
	// Host is empty for the local machine.
	Host string `json:"host,omitempty"`
	User string `json:"user,omitempty"`
}

// Execution is a snapshot of one submission. Values returned by the
// Gatekeeper are copies; changing them has no effect.
type Execution struct {
	ID          string          `json:"id"`
	Script      string          `json:"script"`
	Kind        Kind            `json:"script_type"`
	Description string          `json:"description"`
	Host        string          `json:"host,omitempty"`
	User        string          `json:"user,omitempty"`
	State       State           `json:"state"`
	Verdict     *Verdict        `json:"verdict,omitempty"`
	Result      *command.Result `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Created     time.Time       `json:"created"`
	Updated     time.Time       `json:"updated"`
}

type record struct {
	mu   sync.Mutex
	exec Execution
	err  error
}

func (r *record) snapshot() Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked()
}

func (r *record) copyLocked() Execution {
	e := r.exec
	if e.Verdict != nil {
		v := *e.Verdict
		e.Verdict = &v
	}
	if e.Result != nil {
		res := *e.Result
		e.Result = &res
	}
	return e
}

type Option func(*Gatekeeper)

func WithAuditor(a audit.Auditor) Option {
	return func(g *Gatekeeper) { g.auditor = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gatekeeper) { g.metrics = m }
}

// WithScriptTimeout bounds each script run.
func WithScriptTimeout(d time.Duration) Option {
	return func(g *Gatekeeper) { g.timeout = d }
}

// OnTransition registers fn to be called after every state change.
func OnTransition(fn func(Execution)) Option {
	return func(g *Gatekeeper) { g.hooks = append(g.hooks, fn) }
}

// Gatekeeper owns every Execution record for the life of the process.
type Gatekeeper struct {
	executor router.Executor
	policy   PolicyChecker
	auditor  audit.Auditor
	metrics  *metrics.Metrics
	timeout  time.Duration
	hooks    []func(Execution)
	now      func() time.Time

	// mu guards the map only; each record has its own lock.
	mu      sync.RWMutex
	records map[string]*record
}

func New(executor router.Executor, policy PolicyChecker, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		executor: executor,
		policy:   policy,
		timeout:  define.DefaultScriptTimeout,
		now:      time.Now,
		records:  make(map[string]*record),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gatekeeper) lookup(id string) (*record, error) {
	g.mu.RLock()
	rec, ok := g.records[id]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// setLocked moves rec to state. The caller holds rec.mu.
func (g *Gatekeeper) setLocked(rec *record, state State) Execution {
	rec.exec.State = state
	rec.exec.Updated = g.now()
	return rec.copyLocked()
}

func (g *Gatekeeper) notify(e Execution) {
	g.metrics.ObserveScript(string(e.State))
	logrus.Debugf("script %s is now %s", e.ID, e.State)
	for _, fn := range g.hooks {
		fn(e)
	}
}

func (g *Gatekeeper) event(t audit.EventType, e Execution) audit.Event {
	return audit.Event{
		Type:     t,
		Host:     e.Host,
		User:     e.User,
		ScriptID: e.ID,
	}
}

// Submit records s and runs the policy check synchronously. The returned
// snapshot is in waiting-approval when the verdict was OK and in
// rejected-gatekeeper otherwise, including when the check itself failed.
func (g *Gatekeeper) Submit(ctx context.Context, s Submission) (Execution, error) {
	kind, err := ParseKind(string(s.Kind))
	if err != nil {
		return Execution{}, err
	}

	now := g.now()
	rec := &record{exec: Execution{
		ID:          uuid.NewString(),
		Script:      s.Script,
		Kind:        kind,
		Description: s.Description,
		Host:        s.Host,
		User:        s.User,
		State:       StateInitial,
		Created:     now,
		Updated:     now,
	}}
	g.mu.Lock()
	g.records[rec.exec.ID] = rec
	g.mu.Unlock()

	initial := rec.snapshot()
	ev := g.event(audit.EventScriptSubmit, initial)
	ev.Detail = string(kind) + ": " + s.Description
	audit.Emit(g.auditor, ev)
	g.notify(initial)

	verdict, checkErr := g.policy.Check(ctx, PolicyRequest{
		Description: s.Description,
		ScriptType:  kind,
		Script:      Body(kind, s.Script),
		Readonly:    false,
	})

	rec.mu.Lock()
	var snap Execution
	switch {
	case checkErr != nil:
		rec.err = fmt.Errorf("%w: policy check failed: %w", ErrRejected, checkErr)
		rec.exec.Error = rec.err.Error()
		snap = g.setLocked(rec, StateRejectedGatekeeper)
	case !verdict.OK():
		rec.exec.Verdict = &verdict
		rec.err = &RejectedError{Verdict: verdict}
		snap = g.setLocked(rec, StateRejectedGatekeeper)
	default:
		rec.exec.Verdict = &verdict
		snap = g.setLocked(rec, StateWaitingApproval)
	}
	rec.mu.Unlock()

	ev = g.event(audit.EventScriptVerdict, snap)
	if snap.Verdict != nil {
		ev.Detail = string(snap.Verdict.Status)
	}
	ev.Outcome = audit.OutcomeSuccess
	if snap.State != StateWaitingApproval {
		ev.Outcome = audit.OutcomeFailure
		ev.Error = snap.Error
	}
	audit.Emit(g.auditor, ev)
	g.notify(snap)

	if checkErr != nil {
		logrus.Warnf("policy check for script %s failed: %v", snap.ID, checkErr)
	}
	return snap, nil
}

func invalidState(id string, s State, op string) error {
	return fmt.Errorf("%w: cannot %s script %s in state %s", ErrInvalidState, op, id, s)
}

// Approve runs a waiting script and blocks until it finishes. The outcome
// of the run is recorded on the execution; the error is only set when the
// script was not in waiting-approval or does not exist.
func (g *Gatekeeper) Approve(ctx context.Context, id string) (Execution, error) {
	rec, err := g.lookup(id)
	if err != nil {
		return Execution{}, err
	}

	rec.mu.Lock()
	if rec.exec.State != StateWaitingApproval {
		snap := rec.copyLocked()
		rec.mu.Unlock()
		return snap, invalidState(id, snap.State, "approve")
	}
	snap := g.setLocked(rec, StateExecuting)
	rec.mu.Unlock()

	audit.Emit(g.auditor, g.event(audit.EventScriptApprove, snap))
	g.notify(snap)

	req := command.Request{
		Argv:    Wrap(snap.Kind, snap.Script, false),
		Host:    snap.Host,
		User:    snap.User,
		Timeout: g.timeout,
	}
	start := time.Now()
	res, runErr := g.executor.Execute(ctx, req)
	elapsed := time.Since(start)

	rec.mu.Lock()
	rec.exec.Result = res
	rec.err = runErr
	state := StateSuccess
	if runErr != nil {
		rec.exec.Error = errorText(runErr)
		state = StateFailure
	} else if !res.Success() {
		state = StateFailure
	}
	snap = g.setLocked(rec, state)
	rec.mu.Unlock()

	ev := g.event(audit.EventScriptComplete, snap)
	ev.Duration = elapsed
	ev.Outcome = audit.OutcomeSuccess
	if state == StateFailure {
		ev.Outcome = audit.OutcomeFailure
		ev.Error = snap.Error
	}
	if res != nil {
		ev.ExitCode = audit.Code(res.ExitCode)
	}
	audit.Emit(g.auditor, ev)
	g.notify(snap)
	return snap, nil
}

// Reject declines a waiting script.
func (g *Gatekeeper) Reject(id string) (Execution, error) {
	rec, err := g.lookup(id)
	if err != nil {
		return Execution{}, err
	}

	rec.mu.Lock()
	if rec.exec.State != StateWaitingApproval {
		snap := rec.copyLocked()
		rec.mu.Unlock()
		return snap, invalidState(id, snap.State, "reject")
	}
	snap := g.setLocked(rec, StateRejectedUser)
	rec.mu.Unlock()

	audit.Emit(g.auditor, g.event(audit.EventScriptReject, snap))
	g.notify(snap)
	return snap, nil
}

func (g *Gatekeeper) Get(id string) (Execution, error) {
	rec, err := g.lookup(id)
	if err != nil {
		return Execution{}, err
	}
	return rec.snapshot(), nil
}

func (g *Gatekeeper) GetState(id string) (State, error) {
	e, err := g.Get(id)
	if err != nil {
		return "", err
	}
	return e.State, nil
}

// GetResult returns what the run produced: the result, or the error that
// replaced it. Scripts that never ran report ErrNoResult, or the rejection.
func (g *Gatekeeper) GetResult(id string) (*command.Result, error) {
	rec, err := g.lookup(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch rec.exec.State {
	case StateSuccess, StateFailure:
		if rec.exec.Result == nil {
			return nil, rec.err
		}
		res := *rec.exec.Result
		return &res, rec.err
	case StateRejectedGatekeeper:
		return nil, rec.err
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNoResult, id, rec.exec.State)
	}
}

// List returns every execution, oldest first.
func (g *Gatekeeper) List() []Execution {
	g.mu.RLock()
	recs := make([]*record, 0, len(g.records))
	for _, r := range g.records {
		recs = append(recs, r)
	}
	g.mu.RUnlock()

	out := make([]Execution, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// RunReadonly checks s as a read-only script and, if the verdict is OK,
// runs it at once in a sandbox without write access or network. No human
// approval is involved and no record is kept.
func (g *Gatekeeper) RunReadonly(ctx context.Context, s Submission) (*command.Result, error) {
	return g.run(ctx, s, true)
}

// RunModify is RunReadonly for scripts allowed to change the system.
func (g *Gatekeeper) RunModify(ctx context.Context, s Submission) (*command.Result, error) {
	return g.run(ctx, s, false)
}

func (g *Gatekeeper) run(ctx context.Context, s Submission, readonly bool) (*command.Result, error) {
	kind, err := ParseKind(string(s.Kind))
	if err != nil {
		return nil, err
	}

	verdict, err := g.policy.Check(ctx, PolicyRequest{
		Description: s.Description,
		ScriptType:  kind,
		Script:      Body(kind, s.Script),
		Readonly:    readonly,
	})
	ev := audit.Event{Type: audit.EventScriptVerdict, Host: s.Host, User: s.User}
	if err != nil {
		ev.Outcome, ev.Error = audit.OutcomeFailure, err.Error()
		audit.Emit(g.auditor, ev)
		return nil, fmt.Errorf("%w: policy check failed: %w", ErrRejected, err)
	}
	ev.Detail = string(verdict.Status)
	ev.Outcome = audit.OutcomeSuccess
	if !verdict.OK() {
		ev.Outcome = audit.OutcomeFailure
		audit.Emit(g.auditor, ev)
		return nil, &RejectedError{Verdict: verdict, Readonly: readonly}
	}
	audit.Emit(g.auditor, ev)

	return g.executor.Execute(ctx, command.Request{
		Argv:    Wrap(kind, s.Script, readonly),
		Host:    s.Host,
		User:    s.User,
		Timeout: g.timeout,
	})
}

// errorText renders err without credential material.
func errorText(err error) string {
	if command.KindOf(err) != command.KindUnknown {
		return command.Describe(err)
	}
	return err.Error()
}
