package blueprint

import (
	goerrors "errors"
	"fmt"

	"github.com/upciti/ops2deb-go/internal/ops2err"
	"github.com/upciti/ops2deb-go/internal/template"
)

// Expand produces the cartesian product of matrix.architectures x
// matrix.versions with the parent blueprint (spec.md §3). A blueprint
// with no matrix yields exactly one Rendered element. Declaration order
// is preserved: architectures-order x versions-order, matching
// spec.md §4.2's stable ordering requirement.
func Expand(b Blueprint) []Rendered {
	arches := []string{b.Architecture}
	versions := []string{b.Version}

	if b.Matrix != nil {
		if len(b.Matrix.Architectures) > 0 {
			arches = b.Matrix.Architectures
		}
		if len(b.Matrix.Versions) > 0 {
			versions = b.Matrix.Versions
		}
	}

	out := make([]Rendered, 0, len(arches)*len(versions))
	for _, a := range arches {
		for _, v := range versions {
			out = append(out, Rendered{Blueprint: b, Version: v, Architecture: a})
		}
	}
	return out
}

// ExpandAll expands every blueprint in declaration order.
func ExpandAll(blueprints []Blueprint) []Rendered {
	var out []Rendered
	for _, b := range blueprints {
		out = append(out, Expand(b)...)
	}
	return out
}

// RenderFetchURL computes the rendered fetch URL for r per spec.md §3's
// URL entry rules: {version, goarch, target, env(...)} are available;
// goarch uses the fixed mapping, target is resolved via fetch.targets.
func RenderFetchURL(r *Rendered, getenv func(string) (string, bool)) (string, error) {
	if r.Blueprint.Fetch == nil {
		return "", nil
	}

	goarch, goarchErr := template.GoArchFor(r.Architecture)

	env := template.Env{
		Version:   r.Version,
		HasGoArch: goarchErr == nil,
		GoArch:    goarch,
		Getenv:    getenv,
	}
	if target, ok := r.Blueprint.Fetch.Targets[r.Architecture]; ok {
		env.HasTarget = true
		env.Target = target
	}

	url, err := template.Render(r.Blueprint.Fetch.URL, env)
	if err != nil {
		if goarchErr != nil && template.HasExpr(r.Blueprint.Fetch.URL) {
			return "", ops2err.New(ops2err.CodeTemplate, "render-url", r.Blueprint.Name, r.Version, r.Architecture, goarchErr)
		}
		return "", ops2err.New(ops2err.CodeTemplate, "render-url", r.Blueprint.Name, r.Version, r.Architecture, err)
	}
	r.FetchURL = url
	return url, nil
}

// RenderFetchURLs fills in FetchURL for every element of rendered,
// continuing past failures and returning all of them joined.
func RenderFetchURLs(rendered []Rendered, getenv func(string) (string, bool)) error {
	var errs []error
	for i := range rendered {
		if rendered[i].Blueprint.Fetch == nil {
			continue
		}
		if _, err := RenderFetchURL(&rendered[i], getenv); err != nil {
			errs = append(errs, err)
		}
	}
	return goerrors.Join(errs...)
}

// DisplayName formats a rendered blueprint identity for logs/errors, as
// referenced throughout spec.md §7 ("identify the blueprint by (name,
// version, architecture)").
func (r Rendered) DisplayName() string {
	return fmt.Sprintf("%s_%s_%s", r.Blueprint.Name, r.Version, r.Architecture)
}
