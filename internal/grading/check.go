// Package grading turns raw sandbox executions into per-case outcomes and
// folds a submission's outcomes into a single verdict.
package grading

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/dojo/internal/domain"
	"github.com/felixgeelhaar/dojo/internal/sandbox"
)

// DiagnosticLimit bounds every learner-visible text field.
const DiagnosticLimit = 4096

// Check judges one execution of test case tc at index.
func Check(index int, tc domain.TestCase, exec *sandbox.Execution, limits sandbox.Limits) domain.ExecutionOutcome {
	data := tc.Data()
	out := domain.ExecutionOutcome{
		TestCaseIndex:  index,
		DurationMs:     exec.Duration.Milliseconds(),
		PeakMemoryKB:   exec.PeakMemoryKB,
		Hidden:         domain.IsHidden(tc),
		Input:          Truncate(data.Input),
		ExpectedOutput: Truncate(data.ExpectedOutput),
		ActualOutput:   Truncate(exec.Stdout),
	}

	switch {
	case exec.Status == sandbox.StatusTimedOut || (limits.Time > 0 && exec.Duration > limits.Time):
		out.Result = domain.ResultTimeLimitExceeded
	case exec.Status == sandbox.StatusMemoryExceeded:
		out.Result = domain.ResultMemoryLimitExceeded
	case exec.Status == sandbox.StatusOutputExceeded:
		out.Result = domain.ResultRuntimeError
		out.Diagnostic = "output limit exceeded" + sandbox.TruncationMarker
	case exec.ExitCode != 0:
		out.Result = domain.ResultRuntimeError
		out.Diagnostic = Truncate(fmt.Sprintf("exit status %d\n%s", exec.ExitCode, exec.Stderr))
	case OutputsMatch(exec.Stdout, data.ExpectedOutput):
		out.Result = domain.ResultPass
	default:
		out.Result = domain.ResultWrongAnswer
	}
	return out
}

// CompileFailure is the single outcome recorded when compilation fails.
func CompileFailure(output string) domain.ExecutionOutcome {
	return domain.ExecutionOutcome{
		TestCaseIndex: 0,
		Result:        domain.ResultCompileError,
		Diagnostic:    Truncate(output),
	}
}

// OutputsMatch compares program output with the expected output, ignoring
// trailing whitespace on each line, trailing blank lines and CRLF endings.
func OutputsMatch(actual, expected string) bool {
	return normalize(actual) == normalize(expected)
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// Truncate caps s at DiagnosticLimit bytes, marking the cut.
func Truncate(s string) string {
	if len(s) <= DiagnosticLimit {
		return s
	}
	return s[:DiagnosticLimit] + sandbox.TruncationMarker
}
