package blueprint

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/goccy/go-yaml/ast"
	"github.com/goccy/go-yaml/parser"

	"github.com/upciti/ops2deb-go/internal/ops2err"
)

// LeadingComments returns every comment/blank line at the very top of
// dt, verbatim, stopping at the first non-comment line (spec.md §4.2:
// "preserves the file's leading comments verbatim").
func LeadingComments(dt []byte) string {
	lines := strings.Split(string(dt), "\n")
	var out []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			out = append(out, line)
			continue
		}
		break
	}
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, "\n") + "\n"
}

// Format re-serializes dt canonically (stable field order, minimal
// quoting) while keeping its leading comment block verbatim, per
// spec.md §4.9's `format` subcommand. This intentionally does not
// attempt full AST-level comment-preserving marshal for every inline
// comment: spec.md §4.2 scopes comment preservation to the file's
// leading lines, and §4.7 scopes the stronger round-trip guarantee to
// the updater's single-field edits (see SetScalarField below), not to
// arbitrary mid-file annotations.
func Format(dt []byte) ([]byte, error) {
	doc, err := Load(dt, nil)
	if err != nil {
		return nil, err
	}

	var body []byte
	if len(doc.Blueprints) == 1 {
		body, err = yaml.Marshal(doc.Blueprints[0])
	} else {
		body, err = yaml.Marshal(doc.Blueprints)
	}
	if err != nil {
		return nil, ops2err.New(ops2err.CodeIO, "format", "", "", "", err)
	}

	leading := LeadingComments(dt)
	return append([]byte(leading), body...), nil
}

// scalarLineFor matches "<indent>[- ]<key>:<spacing><value>" allowing an
// optional leading sequence dash (when key is a list item's own first
// field) and an optional trailing comment. Used by SetScalarField to
// do a minimal, single-line textual edit that leaves every other byte
// of the document untouched (comments, blank lines, quoting style of
// unrelated fields, key order).
func scalarLineFor(key string) *regexp.Regexp {
	return regexp.MustCompile(`^(\s*(?:-\s+)?)` + regexp.QuoteMeta(key) + `(\s*:\s*)(.*?)(\s*#.*)?$`)
}

// SetScalarField rewrites the value of `key: ...` within blueprint
// `name`, preserving every other line: blank lines, comments, field
// order, and the quoting style of every field except the one being
// changed. This is the updater's round-trip writer (spec.md §4.7.4,
// §6).
//
// The target field is located with a real parse
// (`parser.ParseBytes(dt, parser.ParseComments)`, the same call dalec's
// `Spec.MarshalYAML` in load.go uses before it walks its own AST) and a
// walk of the resulting `ast.MappingNode`/`ast.SequenceNode` tree,
// rather than the regexp line-scanning this used to do: a field that
// isn't a list item's first key can no longer be attributed to the
// wrong sibling, because the match comes from the parser's own
// sequence index, not from backward-scanning raw text for "- name:".
// Once the target scalar's `ast.Node` is found, its source line is
// edited in place textually -- `MergeFromFile` plus `File.String` would
// re-render the whole document through the library's printer, which
// does not guarantee it reproduces a key's own trailing comment
// byte-for-byte, and spec.md §4.7 requires exact preservation of that.
func SetScalarField(dt []byte, name, key, newValue string) ([]byte, error) {
	file, err := parser.ParseBytes(dt, parser.ParseComments)
	if err != nil {
		return nil, ops2err.New(ops2err.CodeIO, "update", name, "", "", err)
	}
	if len(file.Docs) == 0 || file.Docs[0].Body == nil {
		return nil, ops2err.New(ops2err.CodeIO, "update", name, "", "", fmt.Errorf("empty document"))
	}

	item, err := locateBlueprint(file.Docs[0].Body, name)
	if err != nil {
		return nil, ops2err.New(ops2err.CodeIO, "update", name, "", "", err)
	}

	valueNode, err := fieldValue(item, key)
	if err != nil {
		return nil, ops2err.New(ops2err.CodeIO, "update", name, "", "",
			fmt.Errorf("field %q not found in blueprint %q", key, name))
	}

	lines := strings.Split(string(dt), "\n")
	line := valueNode.GetToken().Position.Line - 1
	if line < 0 || line >= len(lines) {
		return nil, ops2err.New(ops2err.CodeIO, "update", name, "", "",
			fmt.Errorf("field %q position out of range in blueprint %q", key, name))
	}

	m := scalarLineFor(key).FindStringSubmatch(lines[line])
	if m == nil {
		return nil, ops2err.New(ops2err.CodeIO, "update", name, "", "",
			fmt.Errorf("field %q line did not match expected shape in blueprint %q", key, name))
	}
	quote := quoteStyleOf(m[3])
	lines[line] = m[1] + key + m[2] + quote(newValue) + m[4]

	return []byte(strings.Join(lines, "\n")), nil
}

// locateBlueprint returns the mapping node for the sequence item (or
// the lone top-level mapping, for a single-blueprint document) whose
// "name" field equals name.
func locateBlueprint(body ast.Node, name string) (*ast.MappingNode, error) {
	if seq, ok := body.(*ast.SequenceNode); ok {
		for _, v := range seq.Values {
			m, ok := v.(*ast.MappingNode)
			if !ok {
				continue
			}
			if nameOf(m) == name {
				return m, nil
			}
		}
		return nil, fmt.Errorf("blueprint %q not found in document", name)
	}
	m, ok := body.(*ast.MappingNode)
	if !ok || nameOf(m) != name {
		return nil, fmt.Errorf("blueprint %q not found in document", name)
	}
	return m, nil
}

func nameOf(m *ast.MappingNode) string {
	for _, v := range m.Values {
		if nodeText(v.Key) == "name" {
			return nodeText(v.Value)
		}
	}
	return ""
}

func fieldValue(m *ast.MappingNode, key string) (ast.Node, error) {
	for _, v := range m.Values {
		if nodeText(v.Key) == key {
			return v.Value, nil
		}
	}
	return nil, fmt.Errorf("key %q not found", key)
}

// nodeText reads a scalar node's decoded text. *ast.StringNode.String
// panics on some nodes (goccy/go-yaml#797, also worked around in
// dalec's sourcemap.go), so string nodes are read off their Value
// field directly instead.
func nodeText(n ast.Node) (text string) {
	if s, ok := n.(*ast.StringNode); ok {
		return s.Value
	}
	defer func() {
		if recover() != nil {
			text = ""
		}
	}()
	return n.String()
}

func quoteStyleOf(original string) func(string) string {
	switch {
	case strings.HasPrefix(original, `"`):
		return func(s string) string { return `"` + s + `"` }
	case strings.HasPrefix(original, `'`):
		return func(s string) string { return `'` + s + `'` }
	default:
		return func(s string) string { return s }
	}
}
