package cli_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumbtool/plumb/internal/cli"
)

// runPlumb executes the root command with a config confined to a temp dir.
func runPlumb(t *testing.T, args ...string) (string, error) {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "config.yaml")

	out := &bytes.Buffer{}
	cmd := cli.NewRootCmd()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", configPath}, args...))

	err := cmd.Execute()

	return out.String(), err
}

func TestSend_ShowConfig(t *testing.T) {
	out, err := runPlumb(t, "--show-config")
	require.NoError(t, err)
	assert.Contains(t, out, "apiVersion: plumbtool.dev/v1beta1")
	assert.Contains(t, out, "kind: Configuration")
}

func TestSend_WriteConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	cmd := cli.NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", configPath, "--write-config"})

	require.NoError(t, cmd.Execute())
	assert.FileExists(t, configPath)
	assert.FileExists(t, filepath.Join(dir, "default.rules"))
}

func TestSend_PrintMimetype(t *testing.T) {
	out, err := runPlumb(t, "--print-mimetype", "some plain text", "text")
	require.NoError(t, err)
	assert.Equal(t, "text/plain\n", out)
}

func TestSend_PrintMimetype_Guess(t *testing.T) {
	out, err := runPlumb(t, "--print-mimetype", "--guess", "just words")
	require.NoError(t, err)
	assert.Equal(t, "text/plain\n", out)
}

func TestSend_Dispatch(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")

	rulesPath := filepath.Join(dir, "test.rules")
	rule := "[touch]\nkind is text\nplumb run touch " + marker + "\n"
	require.NoError(t, os.WriteFile(rulesPath, []byte(rule), 0o600))

	_, err := runPlumb(t, "--rules", rulesPath, "hello", "text")
	require.NoError(t, err)
	assert.FileExists(t, marker)
}

func TestSend_DispatchError(t *testing.T) {
	dir := t.TempDir()

	rulesPath := filepath.Join(dir, "test.rules")
	rule := "[fail]\nkind is text\nplumb run false\n"
	require.NoError(t, os.WriteFile(rulesPath, []byte(rule), 0o600))

	_, err := runPlumb(t, "--rules", rulesPath, "hello", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule [fail]")
}

func TestSend_Stdin(t *testing.T) {
	dir := t.TempDir()
	outFile := filepath.Join(dir, "out")

	rulesPath := filepath.Join(dir, "test.rules")
	rule := "[save]\nkind is url\nplumb run touch " + outFile + "\n"
	require.NoError(t, os.WriteFile(rulesPath, []byte(rule), 0o600))

	configPath := filepath.Join(t.TempDir(), "config.yaml")

	cmd := cli.NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader("https://example.com/x"))
	cmd.SetArgs([]string{"--config", configPath, "--rules", rulesPath, "--guess", "-"})

	require.NoError(t, cmd.Execute())
	assert.FileExists(t, outFile)
}

func TestSend_MissingArguments(t *testing.T) {
	tcs := map[string]struct {
		wantErr string
		args    []string
	}{
		"no message": {
			args:    []string{},
			wantErr: "missing message argument",
		},
		"no kind": {
			args:    []string{"hello"},
			wantErr: "missing kind argument",
		},
		"unknown kind": {
			args:    []string{"hello", "pdf"},
			wantErr: "unknown kind",
		},
		"guess and explicit kind are exclusive": {
			args:    []string{"--guess", "hello", "text"},
			wantErr: "cannot combine --guess",
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			_, err := runPlumb(t, tc.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
