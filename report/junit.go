package report

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// JUnit XML document model. The shape follows the de-facto schema consumed
// by CI report viewers: a <testsuites> root, one <testsuite> per target and
// one <testcase> per test, with failure/skipped/error children.
type junitTestSuites struct {
	XMLName  xml.Name         `xml:"testsuites"`
	Name     string           `xml:"name,attr"`
	Tests    int              `xml:"tests,attr"`
	Failures int              `xml:"failures,attr"`
	Errors   int              `xml:"errors,attr"`
	Skipped  int              `xml:"skipped,attr"`
	Time     string           `xml:"time,attr"`
	Suites   []junitTestSuite `xml:"testsuite"`
}

type junitTestSuite struct {
	Name      string          `xml:"name,attr"`
	Tests     int             `xml:"tests,attr"`
	Failures  int             `xml:"failures,attr"`
	Errors    int             `xml:"errors,attr"`
	Skipped   int             `xml:"skipped,attr"`
	Time      string          `xml:"time,attr"`
	Timestamp string          `xml:"timestamp,attr"`
	Cases     []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitMessage `xml:"failure,omitempty"`
	Error     *junitMessage `xml:"error,omitempty"`
	Skipped   *junitMessage `xml:"skipped,omitempty"`
	SystemOut string        `xml:"system-out,omitempty"`
}

type junitMessage struct {
	Message string `xml:"message,attr"`
	Body    string `xml:",chardata"`
}

// WriteJUnit serializes the report as JUnit-XML at path, creating parent
// directories as needed. The file is written to a temp name and renamed so
// report consumers never observe a partial document.
func WriteJUnit(r *TestReport, path string) error {
	doc := buildJUnit(r)

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling junit report: %w", err)
	}
	data = append([]byte(xml.Header), data...)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating report directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".junit-*.xml")
	if err != nil {
		return fmt.Errorf("creating temp report file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing junit report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing junit report: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming junit report into place: %w", err)
	}
	return nil
}

func buildJUnit(r *TestReport) junitTestSuites {
	doc := junitTestSuites{
		Name:     r.JobName,
		Tests:    r.Stats.Total,
		Failures: r.Stats.Failed,
		Errors:   r.Stats.Errored,
		Skipped:  r.Stats.Skipped,
		Time:     junitSeconds(r.Duration),
	}

	paths := make([]string, 0, len(r.Targets))
	for path := range r.Targets {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		target := r.Targets[path]
		suite := junitTestSuite{
			Name:      path,
			Tests:     target.Stats.Total,
			Failures:  target.Stats.Failed,
			Errors:    target.Stats.Errored,
			Skipped:   target.Stats.Skipped,
			Time:      junitSeconds(target.Duration),
			Timestamp: target.Stats.StartTime.UTC().Format(time.RFC3339),
		}

		names := make([]string, 0, len(target.Tests))
		for name := range target.Tests {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			suite.Cases = append(suite.Cases, buildCase(path, target.Tests[name]))
			subNames := make([]string, 0, len(target.Tests[name].SubTests))
			for subName := range target.Tests[name].SubTests {
				subNames = append(subNames, subName)
			}
			sort.Strings(subNames)
			for _, subName := range subNames {
				suite.Cases = append(suite.Cases, buildCase(path, target.Tests[name].SubTests[subName]))
			}
		}

		doc.Suites = append(doc.Suites, suite)
	}

	return doc
}

func buildCase(className string, test *TestResult) junitTestCase {
	tc := junitTestCase{
		Name:      test.Name,
		ClassName: className,
		Time:      junitSeconds(test.Duration),
	}

	switch test.Status {
	case TestStatusFail:
		tc.Failure = &junitMessage{Message: "test failed", Body: errorBody(test)}
		tc.SystemOut = test.Stdout
	case TestStatusError:
		msg := "test errored"
		if test.Crashed {
			msg = "worker crashed"
		} else if test.TimedOut {
			msg = "test timed out"
		}
		tc.Error = &junitMessage{Message: msg, Body: errorBody(test)}
		tc.SystemOut = test.Stdout
	case TestStatusSkip:
		tc.Skipped = &junitMessage{Message: "test skipped"}
	}

	return tc
}

func errorBody(test *TestResult) string {
	if test.Error == nil {
		return ""
	}
	return test.Error.Error()
}

func junitSeconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}
