package gatekeeper

import (
	"fmt"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// Kind is the script interpreter.
type Kind string

const (
	KindBash   Kind = "bash"
	KindPython Kind = "python"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindBash, KindPython:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

const bashStrictPreamble = "set -euo pipefail; "

var systemdRunArgs = []string{
	"--quiet",
	"--pipe",
	"--working-directory=/tmp",
	"--collect",
	"--wait",
	"--service-type=exec",
	"--property=PrivateTmp=true",
	"--property=NoNewPrivileges=true",
}

var systemdRunReadonlyArgs = []string{
	"--property=ReadOnlyPaths=/",
	"--property=RestrictAddressFamilies=AF_UNIX",
}

// the sandboxed path is taken only when passwordless sudo and systemd-run
// are both available on the target
const wrapperTemplate = `set -euo pipefail
SCRIPT=%s
if command -v sudo >/dev/null 2>&1 && command -v systemd-run >/dev/null 2>&1 && sudo -n -l whoami >/dev/null 2>&1; then
  exec /usr/bin/sudo -n /usr/bin/systemd-run %s %s -c "$SCRIPT"
else
  exec %s -c "$SCRIPT"
fi
`

// Body returns the script as it will be executed: bash scripts get strict
// mode prepended. This is also the text the policy check sees.
func Body(kind Kind, script string) string {
	if kind == KindBash {
		return bashStrictPreamble + script
	}
	return script
}

// Wrap turns a script into the argv that runs it. The result is a bash
// wrapper that runs the interpreter under a transient systemd unit when it
// can and directly otherwise. Read-only scripts get a read-only filesystem
// and no network.
func Wrap(kind Kind, script string, readonly bool) []string {
	args := systemdRunArgs
	if readonly {
		args = append(append([]string(nil), systemdRunArgs...), systemdRunReadonlyArgs...)
	}
	wrapper := fmt.Sprintf(wrapperTemplate,
		shellescape.Quote(Body(kind, script)),
		strings.Join(args, " "),
		kind,
		kind,
	)
	return []string{"bash", "-c", wrapper}
}
