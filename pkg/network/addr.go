package network

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

type Addr struct {
	Scheme string
	Path   string
}

// ParseUnixAddr accepts unix:///path/to.sock or a bare absolute path.
func ParseUnixAddr(raw string) (*Addr, error) {
	if filepath.IsAbs(raw) {
		return &Addr{Scheme: "unix", Path: filepath.Clean(raw)}, nil
	}
	if !strings.HasPrefix(raw, "unix://") {
		return nil, fmt.Errorf("scheme missing, expected format: unix:///path or an absolute path")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if u.Path == "" {
		return nil, fmt.Errorf("missing path")
	}

	return &Addr{
		Scheme: u.Scheme,
		Path:   u.Path,
	}, nil
}

func (a *Addr) String() string {
	return a.Scheme + "://" + a.Path
}
