// Package transition implements the transition tag parser (C1): extracting
// the six control-flow tags from a state's rendered output, validating
// attributes, and enforcing the path-safety rule.
package transition

import (
	"regexp"
	"strings"

	"github.com/raymondcli/raymond/internal/workflow/model"
)

// Transition is one parsed `<tag attr="...">target_or_payload</tag>` tag.
type Transition struct {
	Tag     model.TransitionTag
	Target  string            // state filename for goto/reset/call/function/fork; payload for result
	Attrs   map[string]string // raw attributes as written
	Return  string            // call/function: required return state
	Next    string            // fork: required parent-next state
	CD      string            // reset/fork: optional working-dir change
}

var tagPattern = regexp.MustCompile(`(?s)<(goto|reset|call|function|fork|result)([^>]*)>(.*?)</\s*(?:goto|reset|call|function|fork|result)\s*>`)

var attrPattern = regexp.MustCompile(`(\w+)\s*=\s*"([^"]*)"`)

// Parse extracts every transition tag from text, in order of appearance.
// It never fails on its own; malformed or unsafe tags are represented by
// zero, one, or more parsed Transitions exactly as they occur in the text —
// callers (the policy layer, C2) decide what count and shape is valid.
func Parse(text string) ([]Transition, error) {
	matches := tagPattern.FindAllStringSubmatch(text, -1)
	out := make([]Transition, 0, len(matches))
	for _, m := range matches {
		tag := model.TransitionTag(m[1])
		attrs := parseAttrs(m[2])
		rawContent := m[3]

		t := Transition{Tag: tag, Attrs: attrs}
		if tag == model.TagResult {
			// Result payload is preserved verbatim, including whitespace.
			t.Target = rawContent
		} else {
			t.Target = strings.TrimSpace(rawContent)
		}
		t.Return = attrs["return"]
		t.Next = attrs["next"]
		t.CD = attrs["cd"]
		out = append(out, t)
	}
	return out, nil
}

func parseAttrs(raw string) map[string]string {
	attrs := map[string]string{}
	for _, m := range attrPattern.FindAllStringSubmatch(raw, -1) {
		attrs[m[1]] = m[2]
	}
	return attrs
}

// ValidateSafety checks the path-safety rule (§4.1): every target that
// names a state file must contain no "/", no "\", and no "..". result
// payloads are exempt (they are free text, not filenames).
func ValidateSafety(t Transition) error {
	if t.Tag == model.TagResult {
		return nil
	}
	if err := checkSafe(t.Target); err != nil {
		return err
	}
	if t.Tag == model.TagCall || t.Tag == model.TagFunction {
		if err := checkSafe(t.Return); err != nil {
			return err
		}
	}
	if t.Tag == model.TagFork {
		if err := checkSafe(t.Next); err != nil {
			return err
		}
	}
	return nil
}

func checkSafe(name string) error {
	if name == "" {
		return nil
	}
	if strings.Contains(name, "/") || strings.Contains(name, "\\") || strings.Contains(name, "..") {
		return model.NewTransitionTargetUnsafe(name)
	}
	return nil
}

// ForkAttributes returns the fork tag's non-reserved attributes, i.e.
// everything except "next" and "cd" (§4.1, §8 property 10).
func ForkAttributes(t Transition) map[string]string {
	out := map[string]string{}
	for k, v := range t.Attrs {
		if k == "next" || k == "cd" {
			continue
		}
		out[k] = v
	}
	return out
}

// Serialize renders a Transition back into its tag form. Used by the
// idempotence property test (§8 property 1: parse(serialize(T)) = T).
func Serialize(t Transition) string {
	var sb strings.Builder
	sb.WriteByte('<')
	sb.WriteString(string(t.Tag))
	switch t.Tag {
	case model.TagReset:
		if t.CD != "" {
			sb.WriteString(` cd="` + t.CD + `"`)
		}
	case model.TagCall, model.TagFunction:
		sb.WriteString(` return="` + t.Return + `"`)
	case model.TagFork:
		sb.WriteString(` next="` + t.Next + `"`)
		if t.CD != "" {
			sb.WriteString(` cd="` + t.CD + `"`)
		}
		for k, v := range t.Attrs {
			if k == "next" || k == "cd" {
				continue
			}
			sb.WriteString(" " + k + `="` + v + `"`)
		}
	}
	sb.WriteByte('>')
	sb.WriteString(t.Target)
	sb.WriteString("</")
	sb.WriteString(string(t.Tag))
	sb.WriteByte('>')
	return sb.String()
}
