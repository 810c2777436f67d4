// Package delta implements the keyed configuration diff of spec.md
// §4.8: compare two sets of rendered blueprints over (name,
// architecture) and report added/removed/updated.
package delta

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/upciti/ops2deb-go/internal/blueprint"
)

// Update records a version transition for one (name, architecture) key.
type Update struct {
	Name         string `json:"name"`
	Architecture string `json:"architecture"`
	OldVersion   string `json:"old_version"`
	NewVersion   string `json:"new_version"`
}

// Delta is the structured diff of two rendered-blueprint sets
// (spec.md §4.8). Fields are kept sorted so JSON/text output is stable.
type Delta struct {
	Added   []blueprint.NameArch `json:"added"`
	Removed []blueprint.NameArch `json:"removed"`
	Updated []Update             `json:"updated"`
}

// Compute diffs before (A) against after (B), both already-expanded
// rendered-blueprint sets. When a (name, architecture) key appears with
// more than one version in either set (matrix-expanded by version),
// the version string that sorts first lexicographically (plain string
// comparison, not Debian version order) is used; spec.md §4.8 is
// scoped to (name, architecture) keys, not the finer (name, version,
// architecture) key used elsewhere.
func Compute(before, after []blueprint.Rendered) Delta {
	beforeVersions := versionsByKey(before)
	afterVersions := versionsByKey(after)

	var d Delta
	for key := range beforeVersions {
		if _, ok := afterVersions[key]; !ok {
			d.Removed = append(d.Removed, key)
		}
	}
	for key := range afterVersions {
		if _, ok := beforeVersions[key]; !ok {
			d.Added = append(d.Added, key)
		}
	}
	for key, oldV := range beforeVersions {
		newV, ok := afterVersions[key]
		if !ok || newV == oldV {
			continue
		}
		d.Updated = append(d.Updated, Update{
			Name:         key.Name,
			Architecture: key.Arch,
			OldVersion:   oldV,
			NewVersion:   newV,
		})
	}

	sort.Slice(d.Added, func(i, j int) bool { return lessNameArch(d.Added[i], d.Added[j]) })
	sort.Slice(d.Removed, func(i, j int) bool { return lessNameArch(d.Removed[i], d.Removed[j]) })
	sort.Slice(d.Updated, func(i, j int) bool {
		if d.Updated[i].Name != d.Updated[j].Name {
			return d.Updated[i].Name < d.Updated[j].Name
		}
		return d.Updated[i].Architecture < d.Updated[j].Architecture
	})
	return d
}

func versionsByKey(rendered []blueprint.Rendered) map[blueprint.NameArch]string {
	out := map[blueprint.NameArch]string{}
	for _, r := range rendered {
		key := r.NameArch()
		if existing, ok := out[key]; !ok || r.Version < existing {
			out[key] = r.Version
		}
	}
	return out
}

func lessNameArch(a, b blueprint.NameArch) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.Arch < b.Arch
}

// IsEmpty reports whether the delta has no changes at all, used to
// implement spec.md §8 property 6's delta(A,A) == empty check.
func (d Delta) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0
}

// Text renders a stable, sorted, human-readable summary (spec.md §4.8).
func (d Delta) Text() string {
	var b strings.Builder
	for _, k := range d.Added {
		fmt.Fprintf(&b, "+ %s (%s)\n", k.Name, k.Arch)
	}
	for _, k := range d.Removed {
		fmt.Fprintf(&b, "- %s (%s)\n", k.Name, k.Arch)
	}
	for _, u := range d.Updated {
		fmt.Fprintf(&b, "~ %s (%s): %s -> %s\n", u.Name, u.Architecture, u.OldVersion, u.NewVersion)
	}
	if b.Len() == 0 {
		return "no changes\n"
	}
	return b.String()
}

// JSON renders the machine-readable form suitable for CI (spec.md §4.8).
func (d Delta) JSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}
