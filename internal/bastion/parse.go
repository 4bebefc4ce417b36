package bastion

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gluk-w/claworc/sessiond/internal/sessionerr"
	"github.com/gluk-w/claworc/sessiond/internal/sshproxy"
)

func exitCodePattern(exitMarker string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(exitMarker) + `(\d+)[\r\n]`)
}

func lines(raw string) []string {
	return strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
}

// complete reports whether raw holds the end marker on a line of its own
// and a terminated exit code. The echoed command line carries both markers
// too, but never alone on a line and never followed by digits.
func complete(raw, marker, exitMarker string) bool {
	found := false
	for _, line := range lines(raw) {
		if strings.TrimSpace(line) == marker {
			found = true
			break
		}
	}
	return found && exitCodePattern(exitMarker).MatchString(raw)
}

// parse extracts stdout and the exit code from a completed exec buffer.
// Stdout is everything between the command echo and the end marker line.
func parse(raw, command, marker, exitMarker string) (*sshproxy.ExecResult, error) {
	ls := lines(raw)
	cmd := strings.TrimSpace(command)

	echo := -1
	for i, line := range ls {
		if strings.Contains(strings.TrimSpace(line), cmd) {
			echo = i
			break
		}
	}
	end := -1
	for i, line := range ls {
		if strings.TrimSpace(line) == marker {
			end = i
			break
		}
	}
	if end < 0 || end <= echo {
		return parseFailure(raw, "end marker precedes command echo")
	}

	m := exitCodePattern(exitMarker).FindStringSubmatch(raw)
	if m == nil {
		return parseFailure(raw, "exit code not found")
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return parseFailure(raw, fmt.Sprintf("bad exit code %q", m[1]))
	}

	return &sshproxy.ExecResult{
		Success:  code == 0,
		Stdout:   strings.TrimSpace(strings.Join(ls[echo+1:end], "\n")),
		ExitCode: code,
	}, nil
}

func parseFailure(raw, reason string) (*sshproxy.ExecResult, error) {
	msg := "Failed to parse command output: " + reason
	return &sshproxy.ExecResult{Stdout: raw, Error: msg}, sessionerr.New(sessionerr.ParseError, "exec", msg)
}
