package gen

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/upciti/ops2deb-go/internal/blueprint"
)

func TestControlFileBasicFields(t *testing.T) {
	r := blueprint.Rendered{
		Blueprint: blueprint.Blueprint{
			Name:     "htop",
			Summary:  "interactive process viewer",
			Homepage: "https://htop.dev",
			Depends:  []string{"libncurses6"},
		},
		Architecture: "amd64",
	}
	out := controlFile(r)
	require.Contains(t, out, "Source: htop")
	require.Contains(t, out, "Package: htop")
	require.Contains(t, out, "Architecture: amd64")
	require.Contains(t, out, "Homepage: https://htop.dev")
	require.Contains(t, out, "Depends: libncurses6")
	require.Contains(t, out, "Description: interactive process viewer")
}

func TestFoldDescriptionIndentsAndDotsBlankLines(t *testing.T) {
	folded := foldDescription("first line\n\nsecond line")
	require.Equal(t, " first line\n .\n second line\n", folded)
}

func TestFoldDescriptionEmptyIsEmpty(t *testing.T) {
	require.Equal(t, "", foldDescription("  \n  "))
}

func TestChangelogFileIncludesEpochWhenSet(t *testing.T) {
	r := blueprint.Rendered{
		Blueprint: blueprint.Blueprint{Name: "htop", Revision: 3, Epoch: 2},
		Version:   "3.2.2",
	}
	out := changelogFile(r)
	require.True(t, strings.HasPrefix(out, "htop (2:3.2.2-3~ops2deb)"))
}

func TestChangelogFileWithoutEpoch(t *testing.T) {
	r := blueprint.Rendered{Blueprint: blueprint.Blueprint{Name: "htop", Revision: 1}, Version: "3.2.2"}
	out := changelogFile(r)
	require.True(t, strings.HasPrefix(out, "htop (3.2.2-1~ops2deb)"))
}

func TestInstallFileListsRegularFilesSorted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "usr", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "usr", "bin", "b"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "usr", "bin", "a"), []byte("a"), 0o644))

	out, err := installFile(dir)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Equal(t, []string{
		"src/usr/bin/a /usr/bin",
		"src/usr/bin/b /usr/bin",
	}, lines)
}

func TestInstallFileOnMissingSrcDirReturnsEmpty(t *testing.T) {
	out, err := installFile(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.Equal(t, "", out)
}
