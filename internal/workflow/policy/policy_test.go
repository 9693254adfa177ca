package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymondcli/raymond/internal/workflow/model"
	"github.com/raymondcli/raymond/internal/workflow/transition"
)

func TestSplit_NoFrontmatter(t *testing.T) {
	fm, body, err := Split("just a prompt body")
	require.NoError(t, err)
	assert.Nil(t, fm)
	assert.Equal(t, "just a prompt body", body)
}

func TestSplit_WithFrontmatter(t *testing.T) {
	content := "---\nallowed_transitions:\n  - tag: goto\n    target: NEXT.md\n  - tag: result\nmodel: opus\n---\nbody text here"
	fm, body, err := Split(content)
	require.NoError(t, err)
	require.NotNil(t, fm)
	assert.Equal(t, "body text here", body)
	assert.Equal(t, "opus", fm.Model)
	require.Len(t, fm.AllowedTransitions, 2)
	assert.Equal(t, "goto", fm.AllowedTransitions[0].Tag)
	assert.Equal(t, "NEXT.md", fm.AllowedTransitions[0].Target)
}

func TestEvaluate_NoPolicyExactlyOne(t *testing.T) {
	ts, _ := transition.Parse("<goto>B.md</goto>")
	d, picked := Evaluate(nil, ts)
	assert.Equal(t, DecisionValid, d)
	require.NotNil(t, picked)
}

func TestEvaluate_NoPolicyAnomaly(t *testing.T) {
	d, _ := Evaluate(nil, nil)
	assert.Equal(t, DecisionNoPolicyAnomaly, d)
}

func TestEvaluate_Valid(t *testing.T) {
	fm := &Frontmatter{AllowedTransitions: []AllowedTransition{
		{Tag: "goto", Target: "NEXT.md"},
		{Tag: "result"},
	}}
	ts, _ := transition.Parse("<goto>NEXT.md</goto>")
	d, picked := Evaluate(fm, ts)
	assert.Equal(t, DecisionValid, d)
	assert.Equal(t, "NEXT.md", picked.Target)
}

func TestEvaluate_Violation(t *testing.T) {
	fm := &Frontmatter{AllowedTransitions: []AllowedTransition{
		{Tag: "goto", Target: "NEXT.md"},
	}}
	ts, _ := transition.Parse("<goto>OTHER.md</goto>")
	d, _ := Evaluate(fm, ts)
	assert.Equal(t, DecisionViolation, d)
}

func TestEvaluate_Ambiguous(t *testing.T) {
	fm := &Frontmatter{AllowedTransitions: []AllowedTransition{
		{Tag: "goto", Target: "NEXT.md"},
		{Tag: "result"},
	}}
	ts, _ := transition.Parse("<goto>NEXT.md</goto><result>done</result>")
	d, _ := Evaluate(fm, ts)
	assert.Equal(t, DecisionAmbiguous, d)
}

func TestEvaluate_Implicit(t *testing.T) {
	fm := &Frontmatter{AllowedTransitions: []AllowedTransition{
		{Tag: "goto", Target: "NEXT.md"},
	}}
	d, picked := Evaluate(fm, nil)
	assert.Equal(t, DecisionImplicit, d)
	require.NotNil(t, picked)
	assert.Equal(t, model.TagGoto, picked.Tag)
	assert.Equal(t, "NEXT.md", picked.Target)
}

func TestEvaluate_ImplicitRequiresSingleCandidate(t *testing.T) {
	fm := &Frontmatter{AllowedTransitions: []AllowedTransition{
		{Tag: "goto", Target: "A.md"},
		{Tag: "goto", Target: "B.md"},
	}}
	d, _ := Evaluate(fm, nil)
	assert.Equal(t, DecisionViolation, d)
}

func TestEvaluate_ImplicitIgnoresUnderspecifiedCallEntries(t *testing.T) {
	fm := &Frontmatter{AllowedTransitions: []AllowedTransition{
		{Tag: "call", Target: "CHILD.md"}, // missing required return=
		{Tag: "goto", Target: "NEXT.md"},
	}}
	d, picked := Evaluate(fm, nil)
	assert.Equal(t, DecisionImplicit, d)
	assert.Equal(t, "NEXT.md", picked.Target)
}
