package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"nil", nil, nil},
		{"empty", []string{}, []string{}},
		{"plain", []string{"ls", "-la"}, []string{"ls", "-la"}},
		{"flag then value", []string{"mysql", "-p", "hunter2", "db"}, []string{"mysql", "-p", Redacted, "db"}},
		{"long flag", []string{"tool", "--token", "abc"}, []string{"tool", "--token", Redacted}},
		{"flag equals", []string{"tool", "--password=abc"}, []string{"tool", "--password=" + Redacted}},
		{"key value", []string{"env", "API_KEY=xyz"}, []string{"env", "API_KEY=" + Redacted}},
		{"harmless equals", []string{"dd", "if=/dev/zero"}, []string{"dd", "if=/dev/zero"}},
		{"key value prefix", []string{"curl", "token=xyz"}, []string{"curl", "token=" + Redacted}},
		{"prefix case insensitive", []string{"x", "Password=abc"}, []string{"x", "Password=" + Redacted}},
		{"trailing flag", []string{"tool", "-k"}, []string{"tool", "-k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	in := []string{"tool", "--secret", "s3cr3t"}
	_ = Sanitize(in)
	assert.Equal(t, "s3cr3t", in[2])
}

func TestSanitizeCommand(t *testing.T) {
	assert.Equal(t, "mysql -p '***REDACTED***'", SanitizeCommand([]string{"mysql", "-p", "pw"}))
}
