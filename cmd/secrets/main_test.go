package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecrets(t *testing.T) {
	conn := filepath.Join(t.TempDir(), "test.db")
	setupLog(true)
	defer log.SetOutput(os.Stderr)

	tests := []struct {
		name      string
		args      []string
		wantLog   string
		wantOut   string
		wantError bool
	}{
		{
			name:    "set secret",
			args:    []string{"--key", "secretkey", "--conn", conn, "set", "key1", "value1"},
			wantLog: "set command, key=key1",
		},
		{
			name:      "set secret, no value",
			args:      []string{"--key", "secretkey", "--conn", conn, "set", "key1"},
			wantLog:   "set command, key=key1",
			wantError: true,
		},
		{
			name:    "get secret",
			args:    []string{"--key", "secretkey", "--conn", conn, "get", "key1"},
			wantLog: "get command, key=key1",
			wantOut: "value1\n",
		},
		{
			name:      "get with wrong key",
			args:      []string{"--key", "otherkey", "--conn", conn, "get", "key1"},
			wantLog:   "get command, key=key1",
			wantError: true,
		},
		{
			name:      "get non-existent secret",
			args:      []string{"--key", "secretkey", "--conn", conn, "get", "key2"},
			wantLog:   "get command, key=key2",
			wantError: true,
		},
		{
			name:    "delete secret",
			args:    []string{"--key", "secretkey", "--conn", conn, "del", "key1"},
			wantLog: "del command, key=key1\nkey=key1 deleted",
		},
		{
			name:      "delete non-existent secret",
			args:      []string{"--key", "secretkey", "--conn", conn, "del", "key2"},
			wantLog:   "del command, key=key2",
			wantError: true,
		},
		{
			name:    "list secrets",
			args:    []string{"--key", "secretkey", "--conn", conn, "list", "abc"},
			wantLog: `list command, key-prefix="abc"`,
			wantOut: "\n",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var logBuf, outBuf bytes.Buffer
			log.SetOutput(&logBuf)

			err := runCommand(tc.args, &outBuf)
			if tc.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			for _, exp := range strings.Split(tc.wantLog, "\n") {
				assert.Contains(t, logBuf.String(), exp)
			}
			if tc.wantOut != "" {
				assert.Equal(t, tc.wantOut, outBuf.String())
			}
		})
	}
}

func TestSecrets_ListWithAndWithoutPrefix(t *testing.T) {
	conn := filepath.Join(t.TempDir(), "test.db")
	setArgs := func(key, value string) []string {
		return []string{"--key", "secretkey", "--conn", conn, "set", key, value}
	}

	keysAndValues := [][2]string{
		{"key1", "value1"},
		{"key2", "value2"},
		{"key3", "value3"},
		{"key4", "value4"},
		{"prefix_key5", "value5"},
		{"prefix_key6", "value6"},
		{"prefixXkey7", "value7"},
	}
	for _, kv := range keysAndValues {
		require.NoError(t, runCommand(setArgs(kv[0], kv[1]), io.Discard))
	}

	testCases := []struct {
		name       string
		args       []string
		wantOutput string
	}{
		{
			name:       "without prefix",
			args:       []string{"--key", "secretkey", "--conn", conn, "list"},
			wantOutput: "key1\tkey2\tkey3\tkey4\t\nprefixXkey7\tprefix_key5\tprefix_key6\t\n",
		},
		{
			name:       "with prefix, underscore is not a wildcard",
			args:       []string{"--key", "secretkey", "--conn", conn, "list", "prefix_"},
			wantOutput: "prefix_key5\tprefix_key6\t\n",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, runCommand(tc.args, &buf))
			assert.Equal(t, tc.wantOutput, buf.String())
		})
	}
}

func TestSecrets_NoCommand(t *testing.T) {
	err := runCommand([]string{"--key", "secretkey", "--conn", filepath.Join(t.TempDir(), "test.db")}, io.Discard)
	require.Error(t, err)
}

func TestMainFunc(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"secrets", "--help"}

	// capture the standard output
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	// replace the exit function with a custom one
	exited := false
	exitFunc = func(int) { exited = true }

	main()

	// restore the original exit function and standard output
	exitFunc = os.Exit
	_ = w.Close()
	os.Stdout = oldStdout

	assert.True(t, exited)
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	assert.Contains(t, buf.String(), "simpledb secrets latest")
}

func runCommand(args []string, stdout io.Writer) error {
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	p.SubcommandsOptional = true
	if _, err := p.ParseArgs(args); err != nil {
		return err
	}
	return run(context.Background(), p, opts, stdout)
}
