package runner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/ci-harness/ci-harness/report"
)

// Event action constants for the test2json-style JSON output the test
// command must emit. See https://pkg.go.dev/cmd/test2json for the format.
const (
	ActionStart  = "start"
	ActionRun    = "run"
	ActionPass   = "pass"
	ActionFail   = "fail"
	ActionSkip   = "skip"
	ActionOutput = "output"
)

// TestEvent represents a single event from the JSON test output stream.
type TestEvent struct {
	Time    time.Time // Time the event occurred
	Action  string    // The action taken (start, run, pause, cont, pass, fail, skip, output)
	Package string    // The package or module being tested
	Test    string    // The test name (empty for package-level events)
	Output  string    // Output text (may be empty)
	Elapsed float64   // Elapsed time in seconds for the specific action
}

// parseEventStream parses the JSON event stream produced by one test target
// into per-test results. Subtests are named "Parent/Child" and attach to
// their parent, which is created on demand. Returns false when no line in
// the output was a valid event, which callers treat as a worker crash.
func parseEventStream(output []byte, target string) (map[string]*report.TestResult, bool) {
	tests := make(map[string]*report.TestResult)
	startTimes := make(map[string]time.Time)
	outputs := make(map[string]*strings.Builder)
	hasValidEvent := false

	for _, line := range bytes.Split(output, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var event TestEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		hasValidEvent = true

		if event.Test == "" {
			// Package-level event; nothing to record per test.
			continue
		}

		test := lookupTest(tests, target, event.Test)

		switch event.Action {
		case ActionRun, ActionStart:
			startTimes[event.Test] = event.Time
		case ActionPass:
			test.Status = report.TestStatusPass
			test.Duration = eventDuration(event, startTimes)
		case ActionFail:
			test.Status = report.TestStatusFail
			test.Duration = eventDuration(event, startTimes)
		case ActionSkip:
			test.Status = report.TestStatusSkip
			test.Duration = eventDuration(event, startTimes)
		case ActionOutput:
			if event.Output != "" {
				buf, ok := outputs[event.Test]
				if !ok {
					buf = &strings.Builder{}
					outputs[event.Test] = buf
				}
				buf.WriteString(event.Output)
			}
		}
	}

	for name, buf := range outputs {
		test := lookupTest(tests, target, name)
		if test.Status == report.TestStatusFail || test.Status == report.TestStatusError {
			out := stripansi.Strip(buf.String())
			test.Stdout = out
			test.Error = fmt.Errorf("%s", strings.TrimRight(out, "\n"))
		}
	}

	return tests, hasValidEvent
}

// lookupTest finds or creates the result slot for a test name, attaching
// subtests to their parent.
func lookupTest(tests map[string]*report.TestResult, target, name string) *report.TestResult {
	parentName, subName, isSub := strings.Cut(name, "/")
	if !isSub {
		test, ok := tests[name]
		if !ok {
			test = newPendingResult(target, name)
			tests[name] = test
		}
		return test
	}

	parent, ok := tests[parentName]
	if !ok {
		parent = newPendingResult(target, parentName)
		tests[parentName] = parent
	}
	sub, ok := parent.SubTests[subName]
	if !ok {
		sub = newPendingResult(target, name)
		parent.SubTests[subName] = sub
	}
	return sub
}

func newPendingResult(target, name string) *report.TestResult {
	return &report.TestResult{
		Name:   name,
		Target: target,
		// A test that never reports a verdict surfaces as errored, not
		// silently passing.
		Status:   report.TestStatusError,
		SubTests: make(map[string]*report.TestResult),
	}
}

func eventDuration(event TestEvent, startTimes map[string]time.Time) time.Duration {
	if start, ok := startTimes[event.Test]; ok && !start.IsZero() && !event.Time.IsZero() {
		return event.Time.Sub(start)
	}
	if event.Elapsed > 0 {
		return time.Duration(event.Elapsed * float64(time.Second))
	}
	return 0
}
