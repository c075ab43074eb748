package scripts

import (
	"bufio"
	"strings"
)

// Sentinel tokens printed by the provisioning scripts on their last lines.
const (
	SentinelPrefix  = "PROVISION_RESULT="
	SentinelSuccess = "SUCCESS"
	SentinelFailed  = "FAILED"
)

// Outcome is what a script reported about itself.
type Outcome int

const (
	// OutcomeMissing means no sentinel was printed; the script died before its self-check.
	OutcomeMissing Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return "missing"
	}
}

// ParseSentinel scans script output for the result token. A FAILED line wins over
// any SUCCESS line, so a script that printed both is treated as failed.
func ParseSentinel(output string) Outcome {
	outcome := OutcomeMissing
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		line = strings.TrimPrefix(line, SentinelPrefix)
		switch line {
		case SentinelFailed:
			return OutcomeFailed
		case SentinelSuccess:
			outcome = OutcomeSucceeded
		}
	}
	return outcome
}

// Tail returns at most the last n non-empty lines of output.
func Tail(output string, n int) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
