// Package blueprint implements the declarative blueprint data model,
// its YAML loader (spec.md §4.2) and matrix expansion into rendered
// blueprints (spec.md §3).
//
// The loader is grounded on the teacher's (Azure/dalec) spec.go/load.go
// pattern: a plain Go struct decoded by goccy/go-yaml, union-typed
// fields implementing yaml.NodeUnmarshaler by inspecting the node kind,
// and a Validate() that accumulates every error via errors.Join instead
// of stopping at the first one.
package blueprint

import "fmt"

// Blueprint is the declared, unrendered package description (spec.md §3).
type Blueprint struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version,omitempty"`
	Revision     int      `yaml:"revision,omitempty"`
	Epoch        int      `yaml:"epoch,omitempty"`
	Architecture string   `yaml:"architecture,omitempty"`
	Homepage     string   `yaml:"homepage,omitempty"`
	Summary      string   `yaml:"summary"`
	Description  string   `yaml:"description"`
	Depends      []string `yaml:"depends,omitempty"`
	Recommends   []string `yaml:"recommends,omitempty"`
	Conflicts    []string `yaml:"conflicts,omitempty"`

	Fetch *Fetch `yaml:"fetch,omitempty"`

	Install []InstallEntry `yaml:"install,omitempty"`
	Script  []string       `yaml:"script,omitempty"`

	Matrix *Matrix `yaml:"matrix,omitempty"`

	Update *UpdateHint `yaml:"update,omitempty"`
}

// UpdateHint overrides strategy selection for the updater (spec.md §4.7).
type UpdateHint struct {
	Strategy string   `yaml:"strategy,omitempty"` // generic-http-head | github-releases | custom
	Regex    string   `yaml:"regex,omitempty"`
	Versions []string `yaml:"versions,omitempty"` // candidate pool for generic-http-head
}

// Fetch is either a bare URL string or {url, targets}.
type Fetch struct {
	URL     string            `yaml:"url"`
	Targets map[string]string `yaml:"targets,omitempty"`

	// Legacy fields populated whenever a pre-split configuration is
	// decoded, by any Load (spec.md §4.9, Open Question c).
	LegacySHA256        string            `yaml:"sha256,omitempty"`
	LegacyTargetSHA256s map[string]string `yaml:"-"`
}

// InstallEntry is one of: "SOURCE:DEST", "path/to/dir/", or
// {path, content}.
type InstallEntry struct {
	// Raw holds the entry's text for the string forms ("A:B" or "dir/").
	Raw string
	// Path/Content/IsHeredoc hold the object form {path, content}.
	Path      string
	Content   string
	IsHeredoc bool
}

// IsRecursiveCopy reports whether Raw is a trailing-slash directory copy.
func (e InstallEntry) IsRecursiveCopy() bool {
	return !e.IsHeredoc && len(e.Raw) > 0 && e.Raw[len(e.Raw)-1] == '/'
}

// SplitCopy parses the "SOURCE:DEST" form. Ok is false for any other form.
func (e InstallEntry) SplitCopy() (src, dest string, ok bool) {
	if e.IsHeredoc || e.IsRecursiveCopy() {
		return "", "", false
	}
	for i := 0; i < len(e.Raw); i++ {
		if e.Raw[i] == ':' {
			return e.Raw[:i], e.Raw[i+1:], true
		}
	}
	return "", "", false
}

func (e InstallEntry) String() string {
	if e.IsHeredoc {
		return fmt.Sprintf("heredoc:%s", e.Path)
	}
	return e.Raw
}

// Matrix expands a blueprint across architectures and/or versions.
type Matrix struct {
	Architectures []string `yaml:"architectures,omitempty"`
	Versions      []string `yaml:"versions,omitempty"`
}

// Rendered is one concrete (name, version, architecture) instance
// produced by matrix expansion (spec.md §3).
type Rendered struct {
	Blueprint    Blueprint
	Version      string
	Architecture string
	// FetchURL is the fully rendered fetch URL, empty if Fetch is nil.
	FetchURL string
}

// Key uniquely identifies a rendered blueprint within a configuration
// per spec.md §3's invariant.
type Key struct {
	Name         string
	Version      string
	Revision     int
	Epoch        int
	Architecture string
}

func (r Rendered) Key() Key {
	return Key{
		Name:         r.Blueprint.Name,
		Version:      r.Version,
		Revision:     r.Blueprint.Revision,
		Epoch:        r.Blueprint.Epoch,
		Architecture: r.Architecture,
	}
}

// NameArch is the coarser (name, architecture) key used by the delta
// reporter (spec.md §4.8).
type NameArch struct {
	Name string `json:"name"`
	Arch string `json:"architecture"`
}

func (r Rendered) NameArch() NameArch {
	return NameArch{Name: r.Blueprint.Name, Arch: r.Architecture}
}
