package sqldb

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColorizedWriter(t *testing.T) {
	testCases := []struct {
		name          string
		profile       string
		input         string
		secrets       []string
		expectedLines []string
	}{
		{
			name:          "with profile",
			profile:       "main",
			input:         "SELECT * FROM t\nSELECT 1",
			expectedLines: []string{"[main] SELECT * FROM t", "[main] SELECT 1"},
		},
		{
			name:          "without profile",
			input:         "SELECT * FROM t\n",
			expectedLines: []string{"SELECT * FROM t"},
		},
		{
			name:          "with secrets",
			profile:       "pg",
			input:         "CREATE USER app PASSWORD 'passw0rd'\nALTER USER app PASSWORD 'passw0rd2'",
			secrets:       []string{"passw0rd", " ", ""},
			expectedLines: []string{"[pg] CREATE USER app PASSWORD '****'", "[pg] ALTER USER app PASSWORD '****2'"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buffer := bytes.NewBuffer([]byte{})
			writer := NewColorizedWriter(buffer, tc.profile, tc.secrets, true)
			n, err := writer.Write([]byte(tc.input))
			require.NoError(t, err)
			assert.Equal(t, len(tc.input), n)

			scanner := bufio.NewScanner(buffer)
			lineIndex := 0
			for scanner.Scan() {
				require.Less(t, lineIndex, len(tc.expectedLines))
				assert.Contains(t, scanner.Text(), tc.expectedLines[lineIndex])
				lineIndex++
			}
			assert.NoError(t, scanner.Err())
			assert.Equal(t, len(tc.expectedLines), lineIndex)
		})
	}
}

func TestColorizedWriter_Printf(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})
	NewColorizedWriter(buffer, "local", nil, true).Printf("rows affected: %d", 5)
	assert.Contains(t, buffer.String(), "[local] rows affected: 5")
}

func TestMaskSecrets(t *testing.T) {
	assert.Equal(t, "a **** b ****", maskSecrets("a secret b secret", []string{"secret"}))
	tbl := []struct {
		name    string
		in      string
		secrets []string
		out     string
	}{
		{"part of a word", "a secrets", []string{"secret"}, "a ****s"},
		{"ends with punctuation", "user:pa$$w0rd!@host", []string{"pa$$w0rd!"}, "user:****@host"},
		{"starts with punctuation", "password=#hash", []string{"#hash"}, "password=****"},
		{"quoted", "'-s3cr3t-' and \"-s3cr3t-\"", []string{"-s3cr3t-"}, "'****' and \"****\""},
		{"blank secret ignored", "a b", []string{" ", ""}, "a b"},
		{"no secrets", "abc", nil, "abc"},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.out, maskSecrets(tt.in, tt.secrets))
		})
	}
}

func TestProfileColorizer(t *testing.T) {
	c1 := profileColorizer("main", true)
	assert.Equal(t, "text", c1("%s", "text"))
	c2 := profileColorizer("main", false)
	assert.Contains(t, c2("%s", "text"), "text")
}
