package gen

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/upciti/ops2deb-go/internal/blueprint"
)

func noGetenv(string) (string, bool) { return "", false }

func TestGenerateWritesSrcDebianAndManifest(t *testing.T) {
	outDir := t.TempDir()
	fetchDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(fetchDir, "bin"), []byte("binary"), 0o755))

	g := New(outDir)
	g.Log = logrus.NewEntry(logrus.StandardLogger())

	r := blueprint.Rendered{
		Blueprint:    blueprint.Blueprint{Name: "foo", Revision: 1, Summary: "s"},
		Version:      "1.0",
		Architecture: "amd64",
	}

	result, err := g.Generate(context.Background(), r, fetchDir, noGetenv)
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(result.Dir, "src", "bin"))
	require.FileExists(t, filepath.Join(result.Dir, "debian", "control"))
	require.FileExists(t, filepath.Join(result.Dir, manifestName))
}

func TestGenerateThenDiscoverRediscoversTargets(t *testing.T) {
	outDir := t.TempDir()
	g := New(outDir)
	g.Log = logrus.NewEntry(logrus.StandardLogger())

	r := blueprint.Rendered{
		Blueprint:    blueprint.Blueprint{Name: "foo", Revision: 2, Epoch: 1, Summary: "s"},
		Version:      "1.0",
		Architecture: "amd64",
	}
	_, err := g.Generate(context.Background(), r, "", noGetenv)
	require.NoError(t, err)

	results, err := Discover(outDir)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "foo", results[0].Rendered.Blueprint.Name)
	require.Equal(t, "1.0", results[0].Rendered.Version)
	require.Equal(t, 2, results[0].Rendered.Blueprint.Revision)
	require.Equal(t, 1, results[0].Rendered.Blueprint.Epoch)
	require.Equal(t, "amd64", results[0].Rendered.Architecture)
}

func TestDiscoverSkipsDirectoriesWithoutManifest(t *testing.T) {
	outDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "stray"), 0o755))

	results, err := Discover(outDir)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestDiscoverOnMissingOutputDirReturnsEmpty(t *testing.T) {
	results, err := Discover(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestApplyInstallHeredocWritesFile(t *testing.T) {
	srcDir := t.TempDir()
	g := New(t.TempDir())
	r := blueprint.Rendered{Blueprint: blueprint.Blueprint{
		Name: "foo",
		Install: []blueprint.InstallEntry{
			{IsHeredoc: true, Path: "etc/foo.conf", Content: "key=value\n"},
		},
	}}

	require.NoError(t, g.applyInstall(r, srcDir))

	data, err := os.ReadFile(filepath.Join(srcDir, "etc/foo.conf"))
	require.NoError(t, err)
	require.Equal(t, "key=value\n", string(data))
}

func TestApplyInstallCopiesNamedFile(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "app"), []byte("binary"), 0o755))

	g := New(t.TempDir())
	r := blueprint.Rendered{Blueprint: blueprint.Blueprint{
		Name: "foo",
		Install: []blueprint.InstallEntry{
			{Raw: "app:usr/bin/app"},
		},
	}}

	require.NoError(t, g.applyInstall(r, srcDir))
	data, err := os.ReadFile(filepath.Join(srcDir, "usr/bin/app"))
	require.NoError(t, err)
	require.Equal(t, "binary", string(data))
}

func TestRunScriptsNoopWhenEmpty(t *testing.T) {
	g := New(t.TempDir())
	r := blueprint.Rendered{Blueprint: blueprint.Blueprint{Name: "foo"}}
	require.NoError(t, g.runScripts(context.Background(), r, t.TempDir(), t.TempDir(), noGetenv))
}

func TestRunScriptsExecutesShellCommand(t *testing.T) {
	dir := t.TempDir()
	srcDir := t.TempDir()
	g := New(dir)
	r := blueprint.Rendered{
		Blueprint: blueprint.Blueprint{Name: "foo", Script: []string{"touch marker-{{version}}"}},
		Version:   "1.0",
	}
	require.NoError(t, g.runScripts(context.Background(), r, dir, srcDir, noGetenv))
	require.FileExists(t, filepath.Join(dir, "marker-1.0"))
}
