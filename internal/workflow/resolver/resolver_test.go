package resolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymondcli/raymond/internal/workflow/model"
)

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}
}

func TestResolve_ExtensionSearchFindsMD(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "A.md")
	r, err := Resolve(dir, "A", "linux")
	require.NoError(t, err)
	assert.Equal(t, "A.md", r.Filename)
	assert.Equal(t, model.StateKindLLM, r.Kind)
}

func TestResolve_ExtensionSearchFindsShOnPOSIX(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "A.sh")
	r, err := Resolve(dir, "A", "linux")
	require.NoError(t, err)
	assert.Equal(t, "A.sh", r.Filename)
	assert.Equal(t, model.StateKindScript, r.Kind)
}

func TestResolve_ExtensionSearchFindsBatOnWindows(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "A.bat")
	r, err := Resolve(dir, "A", "windows")
	require.NoError(t, err)
	assert.Equal(t, "A.bat", r.Filename)
}

func TestResolve_NotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := Resolve(dir, "missing", "linux")
	require.Error(t, err)
	var perr *model.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, model.ErrResolutionError, perr.Kind)
}

func TestResolve_Ambiguous(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "A.md", "A.sh")
	_, err := Resolve(dir, "A", "linux")
	require.Error(t, err)
}

func TestResolve_ExplicitExtensionNoSearch(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "A.md", "A.sh")
	r, err := Resolve(dir, "A.md", "linux")
	require.NoError(t, err)
	assert.Equal(t, "A.md", r.Filename)
}

func TestResolve_ForeignPlatformExtensionIsError(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "A.bat")
	_, err := Resolve(dir, "A.bat", "linux")
	require.Error(t, err)
}

func TestResolve_Determinism(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "A.md")
	r1, err1 := Resolve(dir, "A", "linux")
	r2, err2 := Resolve(dir, "A", "linux")
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, r1, r2)
}
