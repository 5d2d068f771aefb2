package harness

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ci-harness/ci-harness/report"
)

// printResultsTable prints the results of the job run to the console.
func (h *Harness) printResultsTable(rec *RunRecord) {
	rep := rec.Report

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(fmt.Sprintf("Job %s (%s)", rep.JobName, formatDuration(rec.Duration)))

	t.AppendHeader(table.Row{
		"Type", "ID", "Duration", "Tests", "Passed", "Failed", "Skipped", "Status", "Error",
	})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "ID", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	// Pipeline steps first: a failed run should name the failing step before
	// any test detail.
	for _, step := range rec.Steps {
		t.AppendRow(table.Row{
			"Step",
			step.Name,
			formatDuration(step.Duration),
			"-",
			"", "", "",
			getStepResultString(step),
			firstLine(step.StderrTail),
		})
	}
	t.AppendSeparator()

	for _, path := range sortedTargets(rep) {
		target := rep.Targets[path]
		t.AppendRow(table.Row{
			"Target",
			path,
			formatDuration(target.Duration),
			"-", // Don't count the target as a test
			target.Stats.Passed,
			target.Stats.Failed,
			target.Stats.Skipped,
			getResultString(target.Status),
			"",
		})

		names := sortedTests(target)
		for i, testName := range names {
			test := target.Tests[testName]
			prefix := "├──"
			if i == len(names)-1 {
				prefix = "└──"
			}

			errorMsg := extractKeyErrorMessage(test.Error)

			t.AppendRow(table.Row{
				"Test",
				fmt.Sprintf("%s %s", prefix, testName),
				formatDuration(test.Duration),
				"1",
				boolToInt(test.Status == report.TestStatusPass),
				boolToInt(test.Status == report.TestStatusFail),
				boolToInt(test.Status == report.TestStatusSkip),
				getResultString(test.Status),
				errorMsg,
			})

			subNames := make([]string, 0, len(test.SubTests))
			for name := range test.SubTests {
				subNames = append(subNames, name)
			}
			sort.Strings(subNames)
			for j, subName := range subNames {
				subTest := test.SubTests[subName]
				subPrefix := "    ├──"
				if j == len(subNames)-1 {
					subPrefix = "    └──"
				}

				t.AppendRow(table.Row{
					"",
					fmt.Sprintf("%s %s", subPrefix, subName),
					formatDuration(subTest.Duration),
					"1",
					boolToInt(subTest.Status == report.TestStatusPass),
					boolToInt(subTest.Status == report.TestStatusFail),
					boolToInt(subTest.Status == report.TestStatusSkip),
					getResultString(subTest.Status),
					extractKeyErrorMessage(subTest.Error),
				})
			}
		}
		t.AppendSeparator()
	}

	if rec.Status == JobStatusSucceeded {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	coverageCell := ""
	if rec.Coverage != nil {
		coverageCell = fmt.Sprintf("coverage %.1f%%", rec.Coverage.Percent())
	}
	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		formatDuration(rec.Duration),
		rep.Stats.Total,
		rep.Stats.Passed,
		rep.Stats.Failed,
		rep.Stats.Skipped,
		strings.ToUpper(string(rec.Status)),
		coverageCell,
	})

	t.Render()
}

func sortedTargets(rep *report.TestReport) []string {
	paths := make([]string, 0, len(rep.Targets))
	for path := range rep.Targets {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func sortedTests(target *report.TargetResult) []string {
	names := make([]string, 0, len(target.Tests))
	for name := range target.Tests {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// extractKeyErrorMessage extracts the most pertinent part of the error message for display
func extractKeyErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	// Look for assertion failures and panics first, they carry the verdict
	for _, marker := range []string{"assertion failed:", "panic:", "Error:", "Fatal:"} {
		if idx := strings.Index(errStr, marker); idx != -1 {
			end := len(errStr)
			if newLine := strings.Index(errStr[idx:], "\n"); newLine != -1 {
				end = idx + newLine
			}
			return errStr[idx:end]
		}
	}

	// Otherwise limit to the first line or 80 chars
	if idx := strings.Index(errStr, "\n"); idx != -1 {
		return errStr[:idx]
	} else if len(errStr) > 80 {
		return errStr[:70] + "..."
	}

	return errStr
}

func firstLine(s string) string {
	if idx := strings.Index(s, "\n"); idx != -1 {
		return s[:idx]
	}
	return s
}

// Helper function to convert bool to int
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// getResultString returns a short string representing the test result
func getResultString(status report.TestStatus) string {
	switch status {
	case report.TestStatusPass:
		return "✓ pass"
	case report.TestStatusSkip:
		return "- skip"
	default:
		return "✗ fail"
	}
}

func getStepResultString(step report.StepRecord) string {
	if step.ExitCode == 0 {
		return "✓ pass"
	}
	if step.ContinueOnFailure {
		return "! warn"
	}
	return "✗ fail"
}

// Helper function to format duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
