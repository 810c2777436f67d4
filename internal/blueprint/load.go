package blueprint

import (
	goerrors "errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/google/shlex"

	"github.com/upciti/ops2deb-go/internal/ops2err"
	"github.com/upciti/ops2deb-go/internal/template"
)

// Document is the result of loading a configuration file: the ordered
// blueprints it declared plus the sidecar directives parsed from its
// leading comments (spec.md §4.2, §6).
type Document struct {
	Blueprints   []Blueprint
	LockfilePath string // "" if no "# lockfile=PATH" directive was present
}

var lockfileDirective = regexp.MustCompile(`^#\s*lockfile=(\S+)\s*$`)

// ParseLockfileDirective scans the leading comment lines of dt for
// "# lockfile=PATH" (spec.md §4.2/§6). Only lines before the first
// non-comment, non-blank line are considered.
func ParseLockfileDirective(dt []byte) string {
	for _, line := range strings.Split(string(dt), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if m := lockfileDirective.FindStringSubmatch(trimmed); m != nil {
			return m[1]
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
	}
	return ""
}

// Load parses dt as either a single blueprint mapping or a sequence of
// blueprint mappings (spec.md §4.2), renders Jinja-subset inline
// templates in version and matrix.versions before validating, then
// validates and returns the document. env supplies values for
// env("NAME", default) lookups.
func Load(dt []byte, env map[string]string) (*Document, error) {
	var generic interface{}
	if err := yaml.Unmarshal(dt, &generic); err != nil {
		return nil, ops2err.New(ops2err.CodeParse, "load", "", "", "", err)
	}

	var blueprints []Blueprint
	switch generic.(type) {
	case []interface{}:
		if err := yaml.Unmarshal(dt, &blueprints); err != nil {
			return nil, ops2err.New(ops2err.CodeParse, "load", "", "", "", err)
		}
	case map[string]interface{}:
		var single Blueprint
		if err := yaml.Unmarshal(dt, &single); err != nil {
			return nil, ops2err.New(ops2err.CodeParse, "load", "", "", "", err)
		}
		blueprints = []Blueprint{single}
	case nil:
		blueprints = nil
	default:
		return nil, ops2err.New(ops2err.CodeParse, "load", "", "", "",
			fmt.Errorf("configuration root must be a mapping or a sequence of mappings"))
	}

	var errs []error
	for i := range blueprints {
		if err := renderTemplatedFields(&blueprints[i], env); err != nil {
			errs = append(errs, fmt.Errorf("blueprint %d (%s): %w", i, blueprints[i].Name, err))
			continue
		}
		if err := validate(&blueprints[i]); err != nil {
			errs = append(errs, fmt.Errorf("blueprint %d (%s): %w", i, blueprints[i].Name, err))
		}
	}
	if len(errs) > 0 {
		return nil, ops2err.New(ops2err.CodeSchema, "load", "", "", "", goerrors.Join(errs...))
	}

	fillDefaults(blueprints)

	if err := checkUnique(blueprints); err != nil {
		return nil, ops2err.New(ops2err.CodeSchema, "load", "", "", "", err)
	}

	return &Document{
		Blueprints:   blueprints,
		LockfilePath: ParseLockfileDirective(dt),
	}, nil
}

// renderTemplatedFields expands inline Jinja in version and
// matrix.versions before validation; other fields are not rendered
// here. Per spec.md §4.2's "rendered
// against the environment BEFORE validation of scalar types".
func renderTemplatedFields(b *Blueprint, env map[string]string) error {
	getenv := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
	te := template.Env{Getenv: getenv}

	if template.HasExpr(b.Version) {
		rendered, err := template.Render(b.Version, te)
		if err != nil {
			return ops2err.Wrap(err, "rendering version")
		}
		b.Version = rendered
	}
	if b.Matrix != nil {
		for i, v := range b.Matrix.Versions {
			if template.HasExpr(v) {
				rendered, err := template.Render(v, te)
				if err != nil {
					return ops2err.Wrap(err, "rendering matrix.versions")
				}
				b.Matrix.Versions[i] = rendered
			}
		}
	}
	return nil
}

func fillDefaults(blueprints []Blueprint) {
	for i := range blueprints {
		b := &blueprints[i]
		if b.Revision == 0 {
			b.Revision = 1
		}
		if b.Architecture == "" {
			b.Architecture = "amd64"
		}
	}
}

var validArches = map[string]bool{"amd64": true, "armhf": true, "arm64": true, "all": true}

// validate aggregates every field-level problem instead of stopping at
// the first, per spec.md §4.2 ("all errors reported").
func validate(b *Blueprint) error {
	var errs []error

	if strings.TrimSpace(b.Name) == "" {
		errs = append(errs, fmt.Errorf("name must not be empty"))
	}
	if b.Matrix != nil && b.Matrix.Versions != nil && b.Version != "" {
		errs = append(errs, fmt.Errorf("matrix.versions and top-level version are mutually exclusive"))
	}
	if (b.Matrix == nil || len(b.Matrix.Versions) == 0) && b.Version == "" {
		errs = append(errs, fmt.Errorf("version is required when no matrix.versions is set"))
	}
	if b.Revision < 0 {
		errs = append(errs, fmt.Errorf("revision must be >= 0, got %d", b.Revision))
	}
	if b.Epoch < 0 {
		errs = append(errs, fmt.Errorf("epoch must be >= 0, got %d", b.Epoch))
	}
	if b.Architecture != "" && !validArches[b.Architecture] {
		errs = append(errs, fmt.Errorf("unknown architecture %q", b.Architecture))
	}
	if b.Matrix != nil {
		for _, a := range b.Matrix.Architectures {
			if !validArches[a] {
				errs = append(errs, fmt.Errorf("unknown matrix architecture %q", a))
			}
		}
	}
	if b.Summary == "" {
		errs = append(errs, fmt.Errorf("summary is required"))
	}
	if strings.Contains(b.Summary, "\n") {
		errs = append(errs, fmt.Errorf("summary must be a single line"))
	}

	errs = append(errs, validateRelations("depends", b.Depends)...)
	errs = append(errs, validateRelations("recommends", b.Recommends)...)
	errs = append(errs, validateRelations("conflicts", b.Conflicts)...)

	if b.Fetch != nil {
		if b.Fetch.URL == "" {
			errs = append(errs, fmt.Errorf("fetch.url is required when fetch is set"))
		}
		if strings.Contains(b.Fetch.URL, "{{target}}") || strings.Contains(b.Fetch.URL, "{{ target }}") {
			arches := archesOf(b)
			for _, a := range arches {
				if _, ok := b.Fetch.Targets[a]; !ok {
					errs = append(errs, fmt.Errorf("fetch.targets is missing an entry for architecture %q referenced by {{target}}", a))
				}
			}
		}
	}

	for _, entry := range b.Install {
		if entry.IsHeredoc {
			if entry.Path == "" {
				errs = append(errs, fmt.Errorf("install entry with content must set path"))
			}
			continue
		}
		if entry.Raw == "" {
			errs = append(errs, fmt.Errorf("install entry must not be empty"))
			continue
		}
		if !entry.IsRecursiveCopy() {
			if _, _, ok := entry.SplitCopy(); !ok {
				errs = append(errs, fmt.Errorf("install entry %q must be SOURCE:DEST or end with '/'", entry.Raw))
			}
		}
	}

	return goerrors.Join(errs...)
}

// validateRelations checks that each Debian relation string in values
// is lexically well-formed: shlex tokenization is used as a cheap
// balanced-quote check before the string is embedded verbatim into
// debian/control, catching a stray unclosed quote early instead of
// producing a malformed control file. Grounded on the teacher's
// dependency on google/shlex (Azure/dalec go.mod), used there to
// tokenize shell-style argument strings.
func validateRelations(field string, values []string) []error {
	var errs []error
	for _, relation := range values {
		if strings.TrimSpace(relation) == "" {
			errs = append(errs, fmt.Errorf("%s entry must not be empty", field))
			continue
		}
		if _, err := shlex.Split(relation); err != nil {
			errs = append(errs, fmt.Errorf("%s entry %q is not well-formed: %w", field, relation, err))
		}
	}
	return errs
}

func archesOf(b *Blueprint) []string {
	if b.Matrix != nil && len(b.Matrix.Architectures) > 0 {
		return b.Matrix.Architectures
	}
	if b.Architecture != "" {
		return []string{b.Architecture}
	}
	return []string{"amd64"}
}

func checkUnique(blueprints []Blueprint) error {
	seen := map[Key]bool{}
	var errs []error
	for _, b := range blueprints {
		for _, r := range Expand(b) {
			k := r.Key()
			if seen[k] {
				errs = append(errs, fmt.Errorf("duplicate rendered blueprint %+v", k))
			}
			seen[k] = true
		}
	}
	return goerrors.Join(errs...)
}
