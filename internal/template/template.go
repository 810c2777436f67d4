// Package template implements the Jinja-subset renderer described in
// spec.md §4.1: a single left-to-right, non-recursive pass over
// {{ identifier }} and {{ env("NAME", "default") }} expressions.
//
// spec.md §9 is explicit that this should be a small bespoke renderer,
// not a general template language, so no third-party templating
// library from the retrieval pack is used here: none of them implement
// this exact restricted grammar, and pulling one in would mean
// re-restricting a general-purpose engine rather than writing the
// minimal one the spec calls for.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/upciti/ops2deb-go/internal/ops2err"
)

// exprPattern matches {{ expr }} where expr is either a bare
// identifier or env("NAME", "default"?).
var exprPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

var envCallPattern = regexp.MustCompile(`^env\(\s*"([^"]*)"\s*(?:,\s*"([^"]*)"\s*)?\)$`)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Env is the set of variables available to a render pass. Getenv is
// consulted for env("NAME", default) calls; a nil Getenv makes every
// env() call fail as undefined unless a default is supplied.
type Env struct {
	Version string
	GoArch  string
	Target  string
	Src     string
	// HasGoArch/HasTarget/HasSrc distinguish "unset" from "set to empty
	// string": referencing an unset variable is a TemplateError even if
	// the zero value would otherwise print as "".
	HasGoArch bool
	HasTarget bool
	HasSrc    bool
	Getenv    func(name string) (string, bool)
}

// Render expands s against env in a single left-to-right pass. Each
// {{ ... }} expression is independently substituted; it is never
// re-scanned, so rendering an already-rendered string is a no-op
// (idempotence, spec.md §8 property 7).
func Render(s string, env Env) (string, error) {
	var firstErr error
	out := exprPattern.ReplaceAllStringFunc(s, func(m string) string {
		if firstErr != nil {
			return m
		}
		sub := exprPattern.FindStringSubmatch(m)
		expr := strings.TrimSpace(sub[1])
		val, err := evalExpr(expr, env)
		if err != nil {
			firstErr = err
			return m
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func evalExpr(expr string, env Env) (string, error) {
	if m := envCallPattern.FindStringSubmatch(expr); m != nil {
		name, def, hasDef := m[1], m[2], len(m) > 2 && strings.Contains(expr, ",")
		if env.Getenv != nil {
			if v, ok := env.Getenv(name); ok {
				return v, nil
			}
		}
		if hasDef {
			return def, nil
		}
		return "", ops2err.New(ops2err.CodeTemplate, "template", "", "", "",
			fmt.Errorf("env(%q) is undefined and has no default", name))
	}

	if !identPattern.MatchString(expr) {
		return "", ops2err.New(ops2err.CodeTemplate, "template", "", "", "",
			fmt.Errorf("unsupported template expression %q", expr))
	}

	switch expr {
	case "version":
		return env.Version, nil
	case "goarch":
		if !env.HasGoArch {
			return "", undefinedVar(expr)
		}
		return env.GoArch, nil
	case "target":
		if !env.HasTarget {
			return "", undefinedVar(expr)
		}
		return env.Target, nil
	case "src":
		if !env.HasSrc {
			return "", undefinedVar(expr)
		}
		return env.Src, nil
	default:
		return "", undefinedVar(expr)
	}
}

func undefinedVar(name string) error {
	return ops2err.New(ops2err.CodeTemplate, "template", "", "", "",
		fmt.Errorf("undefined variable %q", name))
}

// GoArchFor implements the fixed architecture mapping from spec.md §3.
func GoArchFor(architecture string) (string, error) {
	switch architecture {
	case "amd64":
		return "amd64", nil
	case "arm64":
		return "arm64", nil
	case "armhf":
		return "arm", nil
	case "all":
		return "", ops2err.New(ops2err.CodeTemplate, "template", "", "", architecture,
			fmt.Errorf("architecture %q has no goarch mapping", architecture))
	default:
		return "", ops2err.New(ops2err.CodeTemplate, "template", "", "", architecture,
			fmt.Errorf("unknown architecture %q", architecture))
	}
}

// HasExpr reports whether s contains any {{ ... }} expression, used to
// short-circuit rendering of fields that are rarely templated.
func HasExpr(s string) bool {
	return exprPattern.MatchString(s)
}

// ParseUint trims surrounding spaces from s and parses the rest as a
// decimal integer with strconv.Atoi (a leading sign is accepted).
func ParseUint(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("expected an integer, got %q", s)
	}
	return n, nil
}
