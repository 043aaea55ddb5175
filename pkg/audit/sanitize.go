package audit

import (
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// Redacted replaces secret values in sanitized command lines.
const Redacted = "***REDACTED***"

// secretFlags take the secret as the following argument.
var secretFlags = map[string]struct{}{
	"-p": {}, "--password": {}, "--pass": {}, "--passwd": {},
	"--secret": {}, "--token": {}, "--api-key": {}, "--api_key": {},
	"--apikey": {}, "-k": {}, "--key": {}, "--auth": {},
	"--credential": {}, "--private-key": {}, "--secret-key": {}, "--access-key": {},
}

var secretPrefixes = []string{
	"password=", "passwd=", "pass=", "token=", "secret=",
	"apikey=", "api_key=", "credential=", "auth=", "key=",
}

// Sanitize returns a copy of argv with likely secrets redacted. It is a
// heuristic: secrets in unusual forms can still get through.
func Sanitize(argv []string) []string {
	if argv == nil {
		return nil
	}
	out := make([]string, 0, len(argv))
	redactNext := false
	for _, arg := range argv {
		if redactNext {
			out = append(out, Redacted)
			redactNext = false
			continue
		}
		if _, ok := secretFlags[arg]; ok {
			out = append(out, arg)
			redactNext = true
			continue
		}
		if key, _, found := strings.Cut(arg, "="); found {
			if _, ok := secretFlags[key]; ok || hasSecretPrefix(arg) {
				out = append(out, key+"="+Redacted)
				continue
			}
		}
		out = append(out, arg)
	}
	return out
}

func hasSecretPrefix(arg string) bool {
	lower := strings.ToLower(arg)
	for _, p := range secretPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// SanitizeCommand sanitizes argv and joins it into a shell-quoted summary.
func SanitizeCommand(argv []string) string {
	return shellescape.QuoteCommand(Sanitize(argv))
}
