package gatekeeper

import (
	"context"
	"fmt"
	"time"

	"linuxdiag/pkg/network"

	"github.com/sirupsen/logrus"
)

// HTTPPolicy asks a remote policy service for a verdict. The service takes
// a JSON PolicyRequest by POST and answers {"status": ..., "detail": ...}.
type HTTPPolicy struct {
	client  *network.Client
	timeout time.Duration
}

type policyResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

func NewHTTPPolicy(url string, timeout time.Duration) (*HTTPPolicy, error) {
	client, err := network.NewURLClient(url, network.WithTimeout(timeout), network.WithKeepAlive(true))
	if err != nil {
		return nil, fmt.Errorf("policy service: %w", err)
	}
	return &HTTPPolicy{client: client, timeout: timeout}, nil
}

func (p *HTTPPolicy) Check(ctx context.Context, req PolicyRequest) (Verdict, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var resp policyResponse
	if err := p.client.Post("").JSONBody(req).DoJSON(ctx, &resp); err != nil {
		return Verdict{}, fmt.Errorf("policy service request failed: %w", err)
	}

	status, err := ParseStatus(resp.Status)
	if err != nil {
		return Verdict{}, err
	}
	logrus.Debugf("policy service verdict %s for %q", status, req.Description)
	return Verdict{Status: status, Detail: resp.Detail}, nil
}

func (p *HTTPPolicy) Close() error {
	return p.client.Close()
}
