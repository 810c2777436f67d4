package blueprint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/upciti/ops2deb-go/internal/ops2err"
)

func TestLoadSingleBlueprint(t *testing.T) {
	dt := []byte(`
name: htop
version: "3.2.2"
summary: interactive process viewer
fetch: https://example.com/htop-{{version}}.tar.gz
`)
	doc, err := Load(dt, nil)
	require.NoError(t, err)
	require.Len(t, doc.Blueprints, 1)
	require.Equal(t, "htop", doc.Blueprints[0].Name)
	require.Equal(t, "amd64", doc.Blueprints[0].Architecture) // default filled in
	require.Equal(t, 1, doc.Blueprints[0].Revision)           // default filled in
	require.Equal(t, "https://example.com/htop-{{version}}.tar.gz", doc.Blueprints[0].Fetch.URL)
}

func TestLoadSequenceOfBlueprints(t *testing.T) {
	dt := []byte(`
- name: a
  version: "1.0"
  summary: package a
- name: b
  version: "1.0"
  summary: package b
`)
	doc, err := Load(dt, nil)
	require.NoError(t, err)
	require.Len(t, doc.Blueprints, 2)
}

func TestLoadRejectsMissingSummary(t *testing.T) {
	dt := []byte(`
name: bad
version: "1.0"
`)
	_, err := Load(dt, nil)
	require.Error(t, err)
	code, ok := ops2err.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, ops2err.CodeSchema, code)
}

func TestLoadRejectsMatrixAndVersionTogether(t *testing.T) {
	dt := []byte(`
name: bad
version: "1.0"
summary: s
matrix:
  versions: ["1.0", "2.0"]
`)
	_, err := Load(dt, nil)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateRenderedBlueprints(t *testing.T) {
	dt := []byte(`
- name: dup
  version: "1.0"
  summary: s
- name: dup
  version: "1.0"
  summary: s
`)
	_, err := Load(dt, nil)
	require.Error(t, err)
}

func TestLoadRendersVersionTemplateBeforeValidation(t *testing.T) {
	dt := []byte(`
name: app
version: "{{ env(\"APP_VERSION\", \"1.0\") }}"
summary: s
`)
	doc, err := Load(dt, map[string]string{"APP_VERSION": "2.5"})
	require.NoError(t, err)
	require.Equal(t, "2.5", doc.Blueprints[0].Version)
}

func TestLoadRejectsMalformedRelation(t *testing.T) {
	dt := []byte(`
name: app
version: "1.0"
summary: s
depends:
  - 'libfoo (>= "1.0)'
`)
	_, err := Load(dt, nil)
	require.Error(t, err)
}

func TestLoadParsesLockfileDirective(t *testing.T) {
	dt := []byte("# lockfile=custom.lock.yml\nname: app\nversion: \"1.0\"\nsummary: s\n")
	doc, err := Load(dt, nil)
	require.NoError(t, err)
	require.Equal(t, "custom.lock.yml", doc.LockfilePath)
}

func TestLoadAggregatesMultipleErrors(t *testing.T) {
	dt := []byte(`
name: ""
summary: "multi\nline"
revision: -1
`)
	_, err := Load(dt, nil)
	require.Error(t, err)
	// errors.Join keeps every message; spot check a couple survive.
	require.ErrorContains(t, err, "name must not be empty")
	require.ErrorContains(t, err, "revision must be >= 0")
}

func TestFormatPreservesLeadingComments(t *testing.T) {
	dt := []byte("# top comment\n\nname: app\nversion: \"1.0\"\nsummary: s\n")
	out, err := Format(dt)
	require.NoError(t, err)
	require.Contains(t, string(out), "# top comment")
}

func TestLoadDecodesLegacyPerArchitectureFetchHashes(t *testing.T) {
	dt := []byte("name: foo\nversion: \"1.0\"\nsummary: s\n" +
		"fetch:\n  url: https://example.com/foo-{{goarch}}.tar.gz\n" +
		"  targets:\n    amd64:\n      sha256: aaaa\n    arm64:\n      sha256: bbbb\n")
	doc, err := Load(dt, nil)
	require.NoError(t, err)
	fetch := doc.Blueprints[0].Fetch
	require.Equal(t, map[string]string{"amd64": "aaaa", "arm64": "bbbb"}, fetch.LegacyTargetSHA256s)
	require.Empty(t, fetch.Targets)
}

func TestLoadStillDecodesCurrentTargetSubstitutionForm(t *testing.T) {
	dt := []byte("name: foo\nversion: \"1.0\"\nsummary: s\n" +
		"fetch:\n  url: https://example.com/foo-{{target}}.tar.gz\n" +
		"  targets:\n    amd64: linux-amd64.tar.gz\n")
	doc, err := Load(dt, nil)
	require.NoError(t, err)
	fetch := doc.Blueprints[0].Fetch
	require.Equal(t, map[string]string{"amd64": "linux-amd64.tar.gz"}, fetch.Targets)
	require.Empty(t, fetch.LegacyTargetSHA256s)
}

func TestSetScalarFieldRewritesOnlyTargetField(t *testing.T) {
	dt := []byte("name: app\nversion: \"1.0\" # pinned\nsummary: s\n")
	out, err := SetScalarField(dt, "app", "version", "2.0")
	require.NoError(t, err)
	require.Contains(t, string(out), `version: "2.0" # pinned`)
	require.Contains(t, string(out), "summary: s")
}

func TestSetScalarFieldScopesToNamedBlueprintInSequence(t *testing.T) {
	dt := []byte("- name: a\n  version: \"1.0\"\n  summary: s\n- name: b\n  version: \"1.0\"\n  summary: s\n")
	out, err := SetScalarField(dt, "b", "version", "2.0")
	require.NoError(t, err)
	lines := string(out)
	require.Contains(t, lines, "a\n  version: \"1.0\"")
	require.Contains(t, lines, "b\n  version: \"2.0\"")
}

// Regression test for the backward line-scan bug the AST-based locator
// replaced: when "name" isn't an item's first key, a textual scan
// could walk past the item's own "- " line into the previous sibling.
func TestSetScalarFieldScopesCorrectlyWhenNameIsNotFirstKey(t *testing.T) {
	dt := []byte("- summary: s\n  name: a\n  version: \"1.0\"\n- summary: s\n  name: b\n  version: \"1.0\"\n")
	out, err := SetScalarField(dt, "b", "version", "2.0")
	require.NoError(t, err)
	lines := string(out)
	require.Contains(t, lines, "name: a\n  version: \"1.0\"")
	require.Contains(t, lines, "name: b\n  version: \"2.0\"")
}

func TestSetScalarFieldHandlesKeyOnTheItemsOwnDashLine(t *testing.T) {
	dt := []byte("- version: \"1.0\"\n  name: a\n  summary: s\n- version: \"1.0\"\n  name: b\n  summary: s\n")
	out, err := SetScalarField(dt, "b", "version", "2.0")
	require.NoError(t, err)
	lines := string(out)
	require.Contains(t, lines, "- version: \"1.0\"\n  name: a")
	require.Contains(t, lines, "- version: \"2.0\"\n  name: b")
}
