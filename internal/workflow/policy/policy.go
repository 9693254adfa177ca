// Package policy implements the per-state policy layer (C2): parsing
// optional YAML frontmatter and deciding whether an emitted transition is
// allowed, missing, or implicit.
package policy

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/raymondcli/raymond/internal/workflow/model"
	"github.com/raymondcli/raymond/internal/workflow/transition"
)

// AllowedTransition is one entry in a state's allowed_transitions list.
type AllowedTransition struct {
	Tag    string `yaml:"tag"`
	Target string `yaml:"target,omitempty"`
	Return string `yaml:"return,omitempty"`
	Next   string `yaml:"next,omitempty"`
}

// Frontmatter is the restricted YAML subset the core interprets (§4.2).
// Unknown keys are ignored by yaml.v3's default decode behavior.
type Frontmatter struct {
	AllowedTransitions []AllowedTransition `yaml:"allowed_transitions"`
	Model              string              `yaml:"model"`
	Effort              string              `yaml:"effort"`
}

// HasPolicy reports whether this state declared any allowed_transitions.
// A state with no frontmatter (or an empty list) has no retry path (§4.2).
func (f *Frontmatter) HasPolicy() bool {
	return f != nil && len(f.AllowedTransitions) > 0
}

// Split separates a state file's optional `---`-delimited frontmatter block
// from its prompt body. If the file does not open with a frontmatter
// delimiter, the whole content is the body and frontmatter is nil.
func Split(content string) (fm *Frontmatter, body string, err error) {
	trimmed := strings.TrimLeft(content, "\n")
	if !strings.HasPrefix(trimmed, "---") {
		return nil, content, nil
	}
	rest := trimmed[3:]
	rest = strings.TrimPrefix(rest, "\n")
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		// No closing delimiter: treat the whole thing as body, no policy.
		return nil, content, nil
	}
	yamlBlock := rest[:idx]
	afterClose := rest[idx+len("\n---"):]
	afterClose = strings.TrimPrefix(afterClose, "\n")

	var parsed Frontmatter
	if err := yaml.Unmarshal([]byte(yamlBlock), &parsed); err != nil {
		return nil, content, err
	}
	return &parsed, afterClose, nil
}

// Decision is the outcome of evaluating emitted transitions against policy.
type Decision int

const (
	// DecisionValid: a single explicitly emitted transition matched policy
	// (or no policy exists and exactly one transition was emitted).
	DecisionValid Decision = iota
	// DecisionImplicit: zero transitions emitted, but policy names exactly
	// one fully-specified non-result entry — it is used implicitly.
	DecisionImplicit
	// DecisionViolation: the emitted tag/target does not match any policy
	// entry. Retryable via reminder if policy exists.
	DecisionViolation
	// DecisionAmbiguous: two or more transitions were emitted.
	DecisionAmbiguous
	// DecisionNoPolicyAnomaly: no frontmatter exists and the emission count
	// was not exactly one — fatal immediately (no retry path).
	DecisionNoPolicyAnomaly
)

// Evaluate applies §4.2's decision rules to a set of emitted transitions
// against a state's (possibly nil) frontmatter policy.
func Evaluate(fm *Frontmatter, emitted []transition.Transition) (Decision, *transition.Transition) {
	if !fm.HasPolicy() {
		if len(emitted) == 1 {
			return DecisionValid, &emitted[0]
		}
		return DecisionNoPolicyAnomaly, nil
	}

	if len(emitted) >= 2 {
		return DecisionAmbiguous, nil
	}

	if len(emitted) == 1 {
		if matches(fm, emitted[0]) {
			return DecisionValid, &emitted[0]
		}
		return DecisionViolation, nil
	}

	// Zero transitions emitted: check for a single implicit candidate.
	if implicit, ok := implicitEntry(fm); ok {
		t := toTransition(implicit)
		return DecisionImplicit, &t
	}
	return DecisionViolation, nil
}

func matches(fm *Frontmatter, t transition.Transition) bool {
	for _, e := range fm.AllowedTransitions {
		if e.Tag != string(t.Tag) {
			continue
		}
		if e.Target != "" && e.Target != t.Target {
			continue
		}
		if e.Return != "" && e.Return != t.Return {
			continue
		}
		if e.Next != "" && e.Next != t.Next {
			continue
		}
		return true
	}
	return false
}

// implicitEntry finds the single non-result entry with fully specified
// target (and return/next where required) attributes, if there is exactly
// one such candidate in the policy.
func implicitEntry(fm *Frontmatter) (AllowedTransition, bool) {
	var candidates []AllowedTransition
	for _, e := range fm.AllowedTransitions {
		if e.Tag == string(model.TagResult) {
			continue
		}
		if e.Target == "" {
			continue
		}
		if (e.Tag == string(model.TagCall) || e.Tag == string(model.TagFunction)) && e.Return == "" {
			continue
		}
		if e.Tag == string(model.TagFork) && e.Next == "" {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 1 {
		return candidates[0], true
	}
	return AllowedTransition{}, false
}

func toTransition(e AllowedTransition) transition.Transition {
	return transition.Transition{
		Tag:    model.TransitionTag(e.Tag),
		Target: e.Target,
		Return: e.Return,
		Next:   e.Next,
	}
}

// ReminderPrompt builds the text appended to a re-invocation after a
// policy violation, listing the permitted options (§4.7 step 7).
func ReminderPrompt(fm *Frontmatter) string {
	var sb strings.Builder
	sb.WriteString("Your previous response did not emit a valid transition. ")
	sb.WriteString("The allowed transitions for this state are:\n")
	for _, e := range fm.AllowedTransitions {
		sb.WriteString("- <" + e.Tag)
		if e.Return != "" {
			sb.WriteString(` return="` + e.Return + `"`)
		}
		if e.Next != "" {
			sb.WriteString(` next="` + e.Next + `"`)
		}
		sb.WriteString(">")
		if e.Target != "" {
			sb.WriteString(e.Target)
		}
		sb.WriteString("</" + e.Tag + ">\n")
	}
	sb.WriteString("Emit exactly one matching transition.")
	return sb.String()
}
