package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/provgate/provgate/pkg/engine"
)

// Template is a parsed expression template: a sequence of literal segments
// and variable placeholders with optional transform pipelines.
type Template struct {
	raw      string
	segments []segment
}

type segment struct {
	literal string
	ref     *placeholder
}

type placeholder struct {
	variable   string
	transforms []transformCall
}

type transformCall struct {
	name string
	args []string
}

// transformFuncs is the closed set of named transforms available inside
// the template sandbox.
var transformFuncs = map[string]func(value string, args []string) (string, error){
	"lower": func(v string, _ []string) (string, error) {
		return strings.ToLower(v), nil
	},
	"upper": func(v string, _ []string) (string, error) {
		return strings.ToUpper(v), nil
	},
	"trim": func(v string, _ []string) (string, error) {
		return strings.TrimSpace(v), nil
	},
	"ascii": func(v string, _ []string) (string, error) {
		return asciiFold(v), nil
	},
	"truncate": func(v string, args []string) (string, error) {
		if len(args) != 1 {
			return "", fmt.Errorf("truncate requires one length argument")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return "", fmt.Errorf("truncate length %q is not a non-negative integer", args[0])
		}
		r := []rune(v)
		if len(r) <= n {
			return v, nil
		}
		return string(r[:n]), nil
	},
	"replace": func(v string, args []string) (string, error) {
		if len(args) != 2 {
			return "", fmt.Errorf("replace requires old and new arguments")
		}
		return strings.ReplaceAll(v, args[0], args[1]), nil
	},
	"concat": func(v string, args []string) (string, error) {
		if len(args) != 1 {
			return "", fmt.Errorf("concat requires one separator argument")
		}
		return strings.Join(strings.Fields(v), args[0]), nil
	},
	// default supplies a value for a missing variable. Evaluation handles
	// it before the pipeline runs; as a pipeline stage on a present
	// variable it is a pass-through.
	"default": func(v string, args []string) (string, error) {
		if len(args) != 1 {
			return "", fmt.Errorf("default requires one value argument")
		}
		return v, nil
	},
	// join needs the evaluation context, so Render intercepts it; the
	// entry only admits the name into the closed set.
	"join": func(v string, _ []string) (string, error) {
		return v, nil
	},
}

// joinVariables appends the named context variables to the piped value,
// separated by the first argument.
func joinVariables(value string, args []string, context map[string]string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("join requires a separator and at least one variable")
	}
	parts := []string{value}
	for _, name := range args[1:] {
		v, ok := context[name]
		if !ok {
			return "", engine.NewRuleError("", fmt.Sprintf("variable %q is not defined and has no default", name), nil).
				WithCode(engine.CodeMissingVar)
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, args[0]), nil
}

// asciiFold normalizes a string to ASCII lowercase, stripping combining
// marks (accents) and any remaining non-ASCII runes.
func asciiFold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	for _, r := range strings.ToLower(folded) {
		if r < 128 {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// ParseTemplate parses an expression template. Placeholders use
// "{{variable|transform|transform:arg}}" syntax; everything outside
// placeholders is literal text.
func ParseTemplate(raw string) (*Template, error) {
	tmpl := &Template{raw: raw}
	rest := raw

	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			if rest != "" {
				tmpl.segments = append(tmpl.segments, segment{literal: rest})
			}
			break
		}
		if open > 0 {
			tmpl.segments = append(tmpl.segments, segment{literal: rest[:open]})
		}

		closeIdx := strings.Index(rest[open:], "}}")
		if closeIdx < 0 {
			return nil, fmt.Errorf("unterminated placeholder at offset %d", len(raw)-len(rest)+open)
		}

		body := rest[open+2 : open+closeIdx]
		ref, err := parsePlaceholder(body)
		if err != nil {
			return nil, err
		}
		tmpl.segments = append(tmpl.segments, segment{ref: ref})

		rest = rest[open+closeIdx+2:]
	}

	return tmpl, nil
}

func parsePlaceholder(body string) (*placeholder, error) {
	parts := strings.Split(body, "|")
	variable := strings.TrimSpace(parts[0])
	if variable == "" {
		return nil, fmt.Errorf("empty variable in placeholder %q", body)
	}

	ref := &placeholder{variable: variable}
	for _, part := range parts[1:] {
		call := strings.TrimSpace(part)
		if call == "" {
			return nil, fmt.Errorf("empty transform in placeholder %q", body)
		}
		pieces := strings.Split(call, ":")
		name := strings.TrimSpace(pieces[0])
		if _, ok := transformFuncs[name]; !ok {
			return nil, fmt.Errorf("unknown transform %q in placeholder %q", name, body)
		}
		tc := transformCall{name: name}
		for _, arg := range pieces[1:] {
			tc.args = append(tc.args, arg)
		}
		ref.transforms = append(ref.transforms, tc)
	}
	return ref, nil
}

// Variables returns the distinct variables the template references,
// including those pulled in through join pipelines.
func (t *Template) Variables() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, seg := range t.segments {
		if seg.ref == nil {
			continue
		}
		add(seg.ref.variable)
		for _, tc := range seg.ref.transforms {
			if tc.name == "join" && len(tc.args) > 1 {
				for _, name := range tc.args[1:] {
					add(name)
				}
			}
		}
	}
	return out
}

// Render evaluates the template against the given context. A missing
// variable without a declared default yields an error naming the variable.
func (t *Template) Render(context map[string]string) (string, error) {
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.ref == nil {
			b.WriteString(seg.literal)
			continue
		}

		value, ok := context[seg.ref.variable]
		if !ok {
			value, ok = t.defaultFor(seg.ref)
			if !ok {
				return "", engine.NewRuleError("", fmt.Sprintf("variable %q is not defined and has no default", seg.ref.variable), nil).
					WithCode(engine.CodeMissingVar)
			}
		}

		for _, tc := range seg.ref.transforms {
			if tc.name == "join" {
				next, err := joinVariables(value, tc.args, context)
				if err != nil {
					return "", err
				}
				value = next
				continue
			}
			fn := transformFuncs[tc.name]
			next, err := fn(value, tc.args)
			if err != nil {
				return "", engine.NewRuleError("", fmt.Sprintf("transform %s failed", tc.name), err)
			}
			value = next
		}

		b.WriteString(value)
	}
	return b.String(), nil
}

func (t *Template) defaultFor(ref *placeholder) (string, bool) {
	for _, tc := range ref.transforms {
		if tc.name == "default" && len(tc.args) == 1 {
			return tc.args[0], true
		}
	}
	return "", false
}
