package blueprint

import (
	"context"
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/goccy/go-yaml/ast"
)

// UnmarshalYAML implements the union-typed decode for Fetch, mirroring
// the teacher's node-inspection pattern (Azure/dalec spec.go's
// UnmarshalYAML on Spec/Source): a bare string means {url: <string>},
// a mapping decodes into the full struct.
//
// `targets` is itself ambiguous across the pre-split and current
// layouts: the current form maps architecture to a plain `{{target}}`
// substitution string, but a pre-split ("legacy") configuration can
// instead map architecture to a `{sha256: ...}` object (one hash per
// architecture, alongside the flat single-hash `fetch.sha256` form).
// Both legacy shapes are migrated by `migrate` (spec.md §4.9, Open
// Question c); which one `targets` holds is decided per key by
// inspecting whether its value node is itself a mapping.
func (f *Fetch) UnmarshalYAML(ctx context.Context, node ast.Node) error {
	if node.Type() == ast.StringType {
		var s string
		if err := yaml.NodeToValue(node, &s); err != nil {
			return err
		}
		f.URL = s
		return nil
	}

	m, ok := node.(*ast.MappingNode)
	if !ok {
		return fmt.Errorf("fetch must be a string or a mapping")
	}

	type rawFetch struct {
		URL    string `yaml:"url"`
		SHA256 string `yaml:"sha256,omitempty"`
	}
	var r rawFetch
	if err := yaml.NodeToValue(node, &r); err != nil {
		return fmt.Errorf("decoding fetch: %w", err)
	}
	f.URL = r.URL
	f.LegacySHA256 = r.SHA256

	for _, v := range m.Values {
		if nodeText(v.Key) != "targets" {
			continue
		}
		targetsNode, ok := v.Value.(*ast.MappingNode)
		if !ok {
			continue
		}
		if targetsAreLegacyHashObjects(targetsNode) {
			hashes, err := decodeLegacyTargetSHA256s(targetsNode)
			if err != nil {
				return fmt.Errorf("decoding fetch.targets: %w", err)
			}
			f.LegacyTargetSHA256s = hashes
			continue
		}
		var targets map[string]string
		if err := yaml.NodeToValue(v.Value, &targets); err != nil {
			return fmt.Errorf("decoding fetch.targets: %w", err)
		}
		f.Targets = targets
	}
	return nil
}

// targetsAreLegacyHashObjects reports whether a fetch.targets mapping
// uses the pre-split per-architecture hash form (arch: {sha256: ...})
// rather than the current arch: "<substitution>" form: any value that
// is itself a mapping can only be the legacy shape.
func targetsAreLegacyHashObjects(m *ast.MappingNode) bool {
	for _, v := range m.Values {
		if _, ok := v.Value.(*ast.MappingNode); ok {
			return true
		}
	}
	return false
}

func decodeLegacyTargetSHA256s(m *ast.MappingNode) (map[string]string, error) {
	out := make(map[string]string, len(m.Values))
	for _, v := range m.Values {
		type rawHash struct {
			SHA256 string `yaml:"sha256"`
		}
		var r rawHash
		if err := yaml.NodeToValue(v.Value, &r); err != nil {
			return nil, err
		}
		out[nodeText(v.Key)] = r.SHA256
	}
	return out, nil
}

// UnmarshalYAML implements the three-way union decode for InstallEntry.
func (e *InstallEntry) UnmarshalYAML(ctx context.Context, node ast.Node) error {
	if node.Type() == ast.StringType {
		var s string
		if err := yaml.NodeToValue(node, &s); err != nil {
			return err
		}
		e.Raw = s
		return nil
	}

	type rawHeredoc struct {
		Path    string `yaml:"path"`
		Content string `yaml:"content"`
	}
	var r rawHeredoc
	if err := yaml.NodeToValue(node, &r); err != nil {
		return fmt.Errorf("decoding install entry: %w", err)
	}
	e.Path = r.Path
	e.Content = r.Content
	e.IsHeredoc = true
	return nil
}

// MarshalYAML renders an InstallEntry back to its canonical form, used
// by the `format` command (spec.md §4.9).
func (e InstallEntry) MarshalYAML() (interface{}, error) {
	if e.IsHeredoc {
		return map[string]string{"path": e.Path, "content": e.Content}, nil
	}
	return e.Raw, nil
}

// MarshalYAML renders a Fetch back to the shortest equivalent form: a
// bare string when no targets or legacy hashes are set, otherwise the
// full mapping. Legacy fields round-trip here too (rather than only
// being cleared by `migrate`) so `format`ting an un-migrated, legacy
// configuration doesn't silently drop its hashes.
func (f Fetch) MarshalYAML() (interface{}, error) {
	if len(f.Targets) == 0 && f.LegacySHA256 == "" && len(f.LegacyTargetSHA256s) == 0 {
		return f.URL, nil
	}
	out := map[string]interface{}{"url": f.URL}
	if len(f.Targets) > 0 {
		out["targets"] = f.Targets
	}
	if f.LegacySHA256 != "" {
		out["sha256"] = f.LegacySHA256
	}
	if len(f.LegacyTargetSHA256s) > 0 {
		targets := make(map[string]interface{}, len(f.LegacyTargetSHA256s))
		for arch, sha := range f.LegacyTargetSHA256s {
			targets[arch] = map[string]string{"sha256": sha}
		}
		out["targets"] = targets
	}
	return out, nil
}
