// Package template implements the prompt/template layer (C3): loading state
// files from the scope directory and performing literal placeholder
// substitution. Grounded on the teacher's internal/scriptengine resolver:
// single-pass, non-recursive `{{key}}` substitution, unreplaced
// placeholders left intact, no escaping.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/raymondcli/raymond/internal/workflow/model"
)

// Load returns the file's byte contents decoded as UTF-8, refusing any
// filename containing a path separator (§4.3).
func Load(scopeDir, filename string) (string, error) {
	if strings.ContainsAny(filename, `/\`) {
		return "", model.NewPromptFileError(nil, "filename %q must not contain a path separator", filename)
	}
	full := filepath.Join(scopeDir, filename)
	b, err := os.ReadFile(full)
	if err != nil {
		return "", model.NewPromptFileError(err, "failed to read state file %q", filename)
	}
	if !utf8.Valid(b) {
		return "", model.NewPromptFileError(nil, "state file %q is not valid UTF-8", filename)
	}
	return string(b), nil
}

// Variables is the string-keyed variable bag consumed by Render. Non-string
// values passed via FromResult/FromForkAttrs are already coerced to their
// canonical string form by the caller.
type Variables map[string]string

// Render performs literal, single-pass, non-recursive substitution of
// `{{key}}` placeholders with the string form of each variable. Unreplaced
// placeholders remain literally in the output. No escaping is performed.
func Render(body string, vars Variables) string {
	var sb strings.Builder
	i := 0
	for i < len(body) {
		start := strings.Index(body[i:], "{{")
		if start < 0 {
			sb.WriteString(body[i:])
			break
		}
		start += i
		sb.WriteString(body[i:start])
		end := strings.Index(body[start:], "}}")
		if end < 0 {
			sb.WriteString(body[start:])
			break
		}
		end += start
		key := strings.TrimSpace(body[start+2 : end])
		if v, ok := vars[key]; ok {
			sb.WriteString(v)
		} else {
			sb.WriteString(body[start : end+2])
		}
		i = end + 2
	}
	return sb.String()
}

// CanonicalString coerces an arbitrary value to its canonical template
// representation. Strings pass through unchanged; everything else uses its
// natural formatting.
func CanonicalString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// BuildVariables assembles the top-of-step variable bag: {{result}} (the
// pending payload or a seed value) plus one placeholder per fork attribute
// (§4.3).
func BuildVariables(result string, forkAttrs map[string]string) Variables {
	vars := Variables{"result": result}
	for k, v := range forkAttrs {
		vars[k] = v
	}
	return vars
}
