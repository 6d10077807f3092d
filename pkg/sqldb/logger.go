package sqldb

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"strings"

	"github.com/fatih/color"
	"github.com/go-pkgz/stringutils"
)

const maxLoggedStatement = 1024

// LogWriter writes statement and result lines, prefixed with the profile name
type LogWriter interface {
	io.Writer
	Printf(format string, v ...any)
}

// colorizedWriter prefixes each line with profile name and colorizes it by profile
type colorizedWriter struct {
	wr         io.Writer
	profile    string
	secrets    []string
	monochrome bool
}

// NewColorizedWriter makes writer prefixing lines with [profile] in the profile's color. Secrets are masked.
func NewColorizedWriter(wr io.Writer, profile string, secrets []string, monochrome bool) LogWriter {
	return &colorizedWriter{wr: wr, profile: profile, secrets: secrets, monochrome: monochrome}
}

// Printf writes formatted text
func (s *colorizedWriter) Printf(format string, v ...any) {
	fmt.Fprintf(s, format, v...)
}

// Write writes each line of p with the colorized profile prefix. Newline added if missing.
func (s *colorizedWriter) Write(p []byte) (n int, err error) {
	colorizer := profileColorizer(s.profile, s.monochrome)
	scanner := bufio.NewScanner(bytes.NewReader(p))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := maskSecrets(scanner.Text(), s.secrets)
		if s.profile != "" {
			line = fmt.Sprintf("[%s] %s", s.profile, line)
		}
		if _, err = io.WriteString(s.wr, colorizer("%s\n", line)); err != nil {
			return 0, err
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return len(p), nil
}

// rawWriter writes lines as is, masking secrets. Used for error stream.
type rawWriter struct {
	wr      io.Writer
	secrets []string
}

func (w *rawWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.wr, maskSecrets(string(p), w.secrets)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *rawWriter) Printf(format string, v ...any) {
	fmt.Fprintf(w, format, v...)
}

// profileColorizer returns sprintf with color picked by crc32 of the profile name
func profileColorizer(profile string, monochrome bool) func(format string, a ...any) string {
	colors := []color.Attribute{
		color.FgHiRed, color.FgHiGreen, color.FgHiYellow,
		color.FgHiBlue, color.FgHiMagenta, color.FgHiCyan,
		color.FgRed, color.FgGreen, color.FgYellow,
		color.FgBlue, color.FgMagenta, color.FgCyan,
	}
	if monochrome {
		return fmt.Sprintf
	}
	c := colors[int(crc32.ChecksumIEEE([]byte(profile))%uint32(len(colors)))]
	return color.New(c).SprintfFunc()
}

// logStatement writes statement to the error stream if set, or to verbose output if enabled.
// Statement always logged at debug level.
func (db *DB) logStatement(stmt string, args []any, o execOpts) {
	masked := maskSecrets(stmt, db.secrets)
	log.Printf("[DEBUG] %s: %s %s", db.name, stringutils.Truncate(strings.Join(strings.Fields(masked), " "), maxLoggedStatement),
		formatArgs(args))

	switch {
	case o.errWriter != nil:
		(&rawWriter{wr: o.errWriter, secrets: db.secrets}).Printf("%s\n", stmt)
	case o.verbose || db.Verbose:
		db.out.Printf("%s\n", stmt)
	}
}

func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = stringutils.Truncate(fmt.Sprintf("%v", a), 64)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func maskSecrets(s string, secrets []string) string {
	for _, secret := range secrets {
		if strings.TrimSpace(secret) == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, "****")
	}
	return s
}
