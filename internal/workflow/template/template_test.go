package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_SinglePassNonRecursive(t *testing.T) {
	out := Render("hello {{name}}, {{greeting}}", Variables{
		"name":     "{{greeting}}", // must not be re-substituted
		"greeting": "world",
	})
	assert.Equal(t, "hello {{greeting}}, world", out)
}

func TestRender_UnknownPlaceholderLeftLiteral(t *testing.T) {
	out := Render("value is {{missing}}", Variables{"result": "42"})
	assert.Equal(t, "value is {{missing}}", out)
}

func TestRender_ResultSubstitution(t *testing.T) {
	out := Render(`"{{result}}"`, BuildVariables("42", nil))
	assert.Equal(t, `"42"`, out)
}

func TestRender_ForkAttributeExposed(t *testing.T) {
	out := Render("done {{item}}", BuildVariables("", map[string]string{"item": "alpha"}))
	assert.Equal(t, "done alpha", out)
}

func TestLoad_RejectsPathSeparator(t *testing.T) {
	_, err := Load(t.TempDir(), "sub/dir.md")
	require.Error(t, err)
}

func TestLoad_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.md"), []byte("hello"), 0o644))
	content, err := Load(dir, "A.md")
	require.NoError(t, err)
	assert.Equal(t, "hello", content)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(t.TempDir(), "missing.md")
	require.Error(t, err)
}
