package delta

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/upciti/ops2deb-go/internal/blueprint"
)

func rendered(name, version, arch string) blueprint.Rendered {
	return blueprint.Rendered{Blueprint: blueprint.Blueprint{Name: name}, Version: version, Architecture: arch}
}

func TestComputeDetectsAddedRemovedUpdated(t *testing.T) {
	before := []blueprint.Rendered{
		rendered("foo", "1.0", "amd64"),
		rendered("bar", "2.0", "amd64"),
	}
	after := []blueprint.Rendered{
		rendered("foo", "1.1", "amd64"),
		rendered("baz", "1.0", "amd64"),
	}

	d := Compute(before, after)
	require.Equal(t, []blueprint.NameArch{{Name: "baz", Arch: "amd64"}}, d.Added)
	require.Equal(t, []blueprint.NameArch{{Name: "bar", Arch: "amd64"}}, d.Removed)
	require.Equal(t, []Update{{Name: "foo", Architecture: "amd64", OldVersion: "1.0", NewVersion: "1.1"}}, d.Updated)
}

func TestComputeSameInputsYieldsEmptyDelta(t *testing.T) {
	set := []blueprint.Rendered{rendered("foo", "1.0", "amd64"), rendered("bar", "2.0", "arm64")}
	d := Compute(set, set)
	require.True(t, d.IsEmpty())
}

func TestComputeTreatsDifferentArchitecturesAsDifferentKeys(t *testing.T) {
	before := []blueprint.Rendered{rendered("foo", "1.0", "amd64")}
	after := []blueprint.Rendered{rendered("foo", "1.0", "arm64")}

	d := Compute(before, after)
	require.Len(t, d.Added, 1)
	require.Len(t, d.Removed, 1)
	require.Empty(t, d.Updated)
}

func TestIsEmptyOnZeroValue(t *testing.T) {
	require.True(t, Delta{}.IsEmpty())
}

func TestTextRendersSortedSummary(t *testing.T) {
	d := Compute(
		[]blueprint.Rendered{rendered("bar", "1.0", "amd64")},
		[]blueprint.Rendered{rendered("foo", "1.0", "amd64")},
	)
	text := d.Text()
	require.Contains(t, text, "+ foo (amd64)")
	require.Contains(t, text, "- bar (amd64)")
}

func TestTextNoChanges(t *testing.T) {
	require.Equal(t, "no changes\n", Delta{}.Text())
}

func TestJSONRoundTripsFieldNames(t *testing.T) {
	d := Compute(
		[]blueprint.Rendered{rendered("foo", "1.0", "amd64")},
		[]blueprint.Rendered{rendered("foo", "2.0", "amd64")},
	)
	out, err := d.JSON()
	require.NoError(t, err)
	require.Contains(t, string(out), `"old_version": "1.0"`)
	require.Contains(t, string(out), `"new_version": "2.0"`)
}
