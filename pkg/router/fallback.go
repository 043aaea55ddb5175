package router

import (
	"context"

	"linuxdiag/pkg/command"

	"github.com/sirupsen/logrus"
)

// ExecuteWithFallback runs req and, if the program exits non-zero, runs the
// same request again with fallback as argv. Errors from the primary run are
// returned as is; only a failing program triggers the fallback.
func ExecuteWithFallback(ctx context.Context, e Executor, req command.Request, fallback []string) (*command.Result, error) {
	res, err := e.Execute(ctx, req)
	if err != nil || res.Success() || len(fallback) == 0 {
		return res, err
	}

	logrus.Debugf("%s exited with %d, trying %s", req, res.ExitCode, command.Request{Argv: fallback})
	alt := req
	alt.Argv = fallback
	return e.Execute(ctx, alt)
}
