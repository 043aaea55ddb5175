package gatekeeper

import "context"

// Decision is an approval or rejection sent to Serve. Reply must be
// buffered; Serve never blocks on it.
type Decision struct {
	ID      string
	Approve bool
	Reply   chan DecisionResult
}

type DecisionResult struct {
	Execution Execution
	Err       error
}

// Serve applies decisions until ctx is done. Approved scripts run under
// ctx, not under the context of whoever sent the decision, so a client
// that goes away does not abort a script it already approved.
func (g *Gatekeeper) Serve(ctx context.Context, decisions <-chan Decision) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-decisions:
			if !ok {
				return nil
			}
			go g.apply(ctx, d)
		}
	}
}

func (g *Gatekeeper) apply(ctx context.Context, d Decision) {
	var r DecisionResult
	if d.Approve {
		r.Execution, r.Err = g.Approve(ctx, d.ID)
	} else {
		r.Execution, r.Err = g.Reject(d.ID)
	}
	if d.Reply == nil {
		return
	}
	select {
	case d.Reply <- r:
	default:
	}
}

// Decide sends a decision and waits for its result. When ctx ends first the
// decision may still be applied.
func Decide(ctx context.Context, decisions chan<- Decision, id string, approve bool) (Execution, error) {
	reply := make(chan DecisionResult, 1)
	select {
	case decisions <- Decision{ID: id, Approve: approve, Reply: reply}:
	case <-ctx.Done():
		return Execution{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.Execution, r.Err
	case <-ctx.Done():
		return Execution{}, ctx.Err()
	}
}
