package runner

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ci-harness/ci-harness/report"
)

// CoverageError wraps failures of coverage collection itself (missing or
// malformed profile). Whether it fails the job depends on the configured
// coverage policy.
type CoverageError struct {
	Profile string
	Err     error
}

func (e *CoverageError) Error() string {
	return fmt.Sprintf("collecting coverage from %s: %v", e.Profile, e.Err)
}

func (e *CoverageError) Unwrap() error {
	return e.Err
}

// IsCoverageError checks if the error is or wraps a CoverageError.
func IsCoverageError(err error) bool {
	var cErr *CoverageError
	return err != nil && errors.As(err, &cErr)
}

// parseCoverProfiles merges one or more cover profile files into a single
// CoverageReport restricted to the given scope. The format is the line
// profile emitted by coverage instrumentation:
//
//	mode: set
//	path/to/file.ext:startLine.startCol,endLine.endCol numStmt count
//
// A line observed as both covered and uncovered across blocks counts as
// covered.
func parseCoverProfiles(paths []string, scope string) (*report.CoverageReport, error) {
	covered := make(map[string]map[int]bool)

	for _, path := range paths {
		if err := parseProfileInto(path, scope, covered); err != nil {
			return nil, err
		}
	}

	cov := &report.CoverageReport{
		Scope: scope,
		Files: make(map[string]*report.FileCoverage),
	}
	for file, lines := range covered {
		fc := &report.FileCoverage{}
		for _, isCovered := range lines {
			if isCovered {
				fc.Covered++
			} else {
				fc.Uncovered++
			}
		}
		cov.Files[file] = fc
	}
	return cov, nil
}

func parseProfileInto(path, scope string, covered map[string]map[int]bool) error {
	f, err := os.Open(path)
	if err != nil {
		return &CoverageError{Profile: path, Err: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "mode:") {
			continue
		}

		file, startLine, endLine, count, err := parseProfileLine(line)
		if err != nil {
			return &CoverageError{Profile: path, Err: fmt.Errorf("line %d: %w", lineNo, err)}
		}
		if scope != "" && !inScope(file, scope) {
			continue
		}

		lines, ok := covered[file]
		if !ok {
			lines = make(map[int]bool)
			covered[file] = lines
		}
		for l := startLine; l <= endLine; l++ {
			if count > 0 {
				lines[l] = true
			} else if _, seen := lines[l]; !seen {
				lines[l] = false
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return &CoverageError{Profile: path, Err: err}
	}
	return nil
}

// parseProfileLine splits "file:start.col,end.col numStmt count".
func parseProfileLine(line string) (file string, startLine, endLine, count int, err error) {
	colon := strings.LastIndex(line, ":")
	if colon < 0 {
		return "", 0, 0, 0, fmt.Errorf("malformed profile line %q", line)
	}
	file = line[:colon]

	var startCol, endCol, numStmt int
	rest := line[colon+1:]
	n, err := fmt.Sscanf(rest, "%d.%d,%d.%d %d %d", &startLine, &startCol, &endLine, &endCol, &numStmt, &count)
	if err != nil || n != 6 {
		return "", 0, 0, 0, fmt.Errorf("malformed profile block %q", rest)
	}
	return file, startLine, endLine, count, nil
}

func inScope(file, scope string) bool {
	if file == scope {
		return true
	}
	return strings.HasPrefix(file, strings.TrimSuffix(scope, "/")+"/")
}
