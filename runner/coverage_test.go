package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseCoverProfiles(t *testing.T) {
	profile := writeProfile(t, "coverage.out", `mode: set
pkg/calc.py:1.1,3.10 2 1
pkg/calc.py:5.1,6.20 1 0
pkg/util.py:1.1,2.5 1 1
other/ignored.py:1.1,9.9 4 1
`)

	cov, err := parseCoverProfiles([]string{profile}, "pkg/")
	require.NoError(t, err)

	require.Len(t, cov.Files, 2)
	assert.Equal(t, 3, cov.Files["pkg/calc.py"].Covered)
	assert.Equal(t, 2, cov.Files["pkg/calc.py"].Uncovered)
	assert.Equal(t, 2, cov.Files["pkg/util.py"].Covered)
	assert.NotContains(t, cov.Files, "other/ignored.py")
}

func TestParseCoverProfilesMergesCoveredWins(t *testing.T) {
	// The same lines show up uncovered in one target's profile and covered
	// in another's; covered wins.
	first := writeProfile(t, "a.out", `mode: set
pkg/calc.py:1.1,2.5 1 0
`)
	second := writeProfile(t, "b.out", `mode: set
pkg/calc.py:1.1,2.5 1 1
`)

	cov, err := parseCoverProfiles([]string{first, second}, "pkg/")
	require.NoError(t, err)
	assert.Equal(t, 2, cov.Files["pkg/calc.py"].Covered)
	assert.Equal(t, 0, cov.Files["pkg/calc.py"].Uncovered)
}

func TestParseCoverProfilesEmptyScope(t *testing.T) {
	profile := writeProfile(t, "coverage.out", `mode: set
anywhere/file.py:1.1,1.1 1 1
`)

	cov, err := parseCoverProfiles([]string{profile}, "")
	require.NoError(t, err)
	assert.Contains(t, cov.Files, "anywhere/file.py")
}

func TestParseCoverProfilesMalformed(t *testing.T) {
	profile := writeProfile(t, "coverage.out", `mode: set
this is not a profile line
`)

	_, err := parseCoverProfiles([]string{profile}, "")
	require.Error(t, err)
	assert.True(t, IsCoverageError(err))
}

func TestParseCoverProfilesMissingFile(t *testing.T) {
	_, err := parseCoverProfiles([]string{filepath.Join(t.TempDir(), "missing.out")}, "")
	require.Error(t, err)
	assert.True(t, IsCoverageError(err))
}

func TestInScope(t *testing.T) {
	assert.True(t, inScope("pkg/calc.py", "pkg"))
	assert.True(t, inScope("pkg/calc.py", "pkg/"))
	assert.True(t, inScope("pkg", "pkg"))
	assert.False(t, inScope("pkgother/calc.py", "pkg"))
}
