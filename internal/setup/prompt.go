// Package setup implements the interactive wizard that connects nssync to a
// remote data service and writes the configuration file.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var errNoInput = errors.New("no input")

// Prompter asks line-based questions on a reader/writer pair, usually the
// terminal. Answers are trimmed; end of input counts as an empty answer.
type Prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

// NewPrompter returns a Prompter reading answers from r and writing
// questions to w.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{in: bufio.NewScanner(r), out: w}
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}

// ask writes the question and reads one trimmed answer.
func (p *Prompter) ask(question string) (string, error) {
	p.printf("  %s: ", question)
	if !p.in.Scan() {
		return "", errNoInput
	}
	return strings.TrimSpace(p.in.Text()), nil
}

// String asks for a value such as the remote URL. An empty answer returns
// def; with no default the question repeats until answered.
func (p *Prompter) String(label, def string) string {
	question := label
	if def != "" {
		question = fmt.Sprintf("%s [%s]", label, def)
	}
	for {
		val, err := p.ask(question)
		switch {
		case err != nil:
			return def
		case val != "":
			return val
		case def != "":
			return def
		}
		p.printf("  (required)\n")
	}
}

// Secret asks for the access token. The answer is echoed; nssync has no
// terminal raw-mode support.
func (p *Prompter) Secret(label string) string {
	for {
		val, err := p.ask(label)
		if err != nil {
			return ""
		}
		if val != "" {
			return val
		}
		p.printf("  (required, the token is shown on the remote's admin page)\n")
	}
}

// Confirm asks a yes/no question; an empty answer or end of input picks
// defaultYes.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	val, err := p.ask(fmt.Sprintf("%s [%s]", label, hint))
	if err != nil || val == "" {
		return defaultYes
	}
	switch strings.ToLower(val) {
	case "y", "yes":
		return true
	}
	return false
}

// Select lists options numbered from 1 and returns the index of the one
// picked. An empty answer picks defaultIdx.
func (p *Prompter) Select(label string, options []string, defaultIdx int) (int, error) {
	if len(options) == 0 {
		return -1, errors.New("no options to select from")
	}
	p.printf("  %s:\n", label)
	for i, opt := range options {
		p.printf("    %d) %s\n", i+1, opt)
	}

	question := fmt.Sprintf("Choice [1-%d, default %d]", len(options), defaultIdx+1)
	for {
		val, err := p.ask(question)
		if err != nil {
			return -1, err
		}
		if val == "" && defaultIdx >= 0 && defaultIdx < len(options) {
			return defaultIdx, nil
		}
		if n, err := strconv.Atoi(val); err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		p.printf("  (pick 1 to %d)\n", len(options))
	}
}

// Duration asks for an interval within [lo, hi], e.g. the poll interval.
func (p *Prompter) Duration(label string, def, lo, hi time.Duration) time.Duration {
	for {
		d, err := time.ParseDuration(p.String(label, def.String()))
		switch {
		case err != nil:
			p.printf("  (not a duration, e.g. 90s or 5m)\n")
		case d < lo || d > hi:
			p.printf("  (must be between %v and %v)\n", lo, hi)
		default:
			return d
		}
	}
}
