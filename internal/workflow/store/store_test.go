package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymondcli/raymond/internal/workflow/model"
)

func TestWriteRead_RoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	doc := &model.Workflow{WorkflowID: "wf1", ScopeDir: t.TempDir(), Budget: 5}
	require.NoError(t, s.Write(doc))

	got, err := s.Read("wf1")
	require.NoError(t, err)
	assert.Equal(t, doc.WorkflowID, got.WorkflowID)
	assert.Equal(t, doc.Budget, got.Budget)
}

func TestRead_NotFound(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = s.Read("nope")
	require.Error(t, err)
	var perr *model.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, model.ErrStateFileError, perr.Kind)
}

func TestList(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Write(&model.Workflow{WorkflowID: "a"}))
	require.NoError(t, s.Write(&model.Workflow{WorkflowID: "b"}))

	ids, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestDelete(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Write(&model.Workflow{WorkflowID: "a"}))
	require.NoError(t, s.Delete("a"))
	_, err = s.Read("a")
	require.Error(t, err)
}

func TestWrite_NoTempFileLeftOnSuccess(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Write(&model.Workflow{WorkflowID: "a"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"a.json"}, names)
}

func TestRecover_SkipsMissingScopeDir(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	liveScope := t.TempDir()
	require.NoError(t, s.Write(&model.Workflow{WorkflowID: "live", ScopeDir: liveScope}))
	require.NoError(t, s.Write(&model.Workflow{WorkflowID: "gone", ScopeDir: "/nonexistent/scope/dir"}))

	docs, diags, err := s.Recover()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "live", docs[0].WorkflowID)
	require.Len(t, diags, 1)
	assert.Equal(t, "gone", diags[0].WorkflowID)
}
