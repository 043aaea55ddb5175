// Package event forwards script transitions to an external listener, such
// as a desktop notifier or a chat bridge that tells a human a script is
// waiting for approval.
package event

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"linuxdiag/pkg/gatekeeper"
	"linuxdiag/pkg/network"

	"github.com/sirupsen/logrus"
)

const reportTimeout = time.Second

// Reporter sends GET <endpoint>/notify?id=..&state=..&host=..&description=..
// for every transition.
type Reporter struct {
	client *network.Client
	path   string
}

// NewReporter accepts a unix:// socket address, an absolute socket path, a
// tcp://host:port address or an http(s) URL. An empty endpoint yields a nil
// Reporter, which reports nothing.
func NewReporter(endpoint string) (*Reporter, error) {
	if endpoint == "" {
		return nil, nil
	}

	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		client, err := network.NewURLClient(endpoint, network.WithTimeout(reportTimeout))
		if err != nil {
			return nil, err
		}
		return &Reporter{client: client}, nil
	}

	if hostport, ok := strings.CutPrefix(endpoint, "tcp://"); ok {
		if _, _, err := net.SplitHostPort(hostport); err != nil {
			return nil, fmt.Errorf("invalid notify endpoint: %w", err)
		}
		return &Reporter{
			client: network.NewTCPClient(hostport, network.WithTimeout(reportTimeout)),
			path:   "/notify",
		}, nil
	}

	addr, err := network.ParseUnixAddr(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid notify endpoint: %w", err)
	}
	return &Reporter{
		client: network.NewUnixClient(addr.Path, network.WithTimeout(reportTimeout)),
		path:   "/notify",
	}, nil
}

func (r *Reporter) Report(ctx context.Context, e gatekeeper.Execution) error {
	if r == nil || r.client == nil {
		return nil
	}

	resp, err := r.client.Get(r.path).
		Query("id", e.ID).
		Query("state", string(e.State)).
		Query("host", e.Host).
		Query("description", e.Description).
		Do(ctx)
	if err != nil {
		return err
	}

	network.CloseResponse(resp)
	return nil
}

// Hook returns a gatekeeper.OnTransition callback. Delivery happens in the
// background and failures are only logged.
func (r *Reporter) Hook() func(gatekeeper.Execution) {
	return func(e gatekeeper.Execution) {
		if r == nil {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
			defer cancel()
			if err := r.Report(ctx, e); err != nil {
				logrus.Debugf("failed to report script %s transition to %s: %v", e.ID, e.State, err)
			}
		}()
	}
}

// Close closes the reporter's HTTP client
func (r *Reporter) Close() error {
	if r != nil && r.client != nil {
		return r.client.Close()
	}
	return nil
}
