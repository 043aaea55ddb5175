package system

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirm(t *testing.T) {
	cases := map[string]bool{
		"y\n":     true,
		"YES\n":   true,
		" yes ":   true,
		"n\n":     false,
		"\n":      false,
		"":        false,
		"maybe\n": false,
	}
	for in, want := range cases {
		var out bytes.Buffer
		got, err := Confirm(strings.NewReader(in), &out, "Run script abc?")
		require.NoError(t, err)
		assert.Equal(t, want, got, "%q", in)
		assert.Equal(t, "Run script abc? [y/N]: ", out.String())
	}
}

func TestEnsureParentDir(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "a", "b", "id_ed25519")
	require.NoError(t, EnsureParentDir(key))
	assert.True(t, IsPathExist(filepath.Dir(key)))
	assert.False(t, IsPathExist(key))
	require.NoError(t, EnsureParentDir(key))
}
