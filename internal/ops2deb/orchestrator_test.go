package ops2deb

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/upciti/ops2deb-go/internal/build"
)

func newEnv(t *testing.T, configPath string) Environment {
	t.Helper()
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return Environment{
		ConfigPath: configPath,
		CacheDir:   filepath.Join(t.TempDir(), "cache"),
		OutputDir:  filepath.Join(t.TempDir(), "output"),
		Log:        log,
	}
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "ops2deb.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "name: foo\nversion: \"1.0\"\nsummary: s\n")
	require.NoError(t, Validate(newEnv(t, path)))
}

func TestValidateRejectsMalformedConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "name: foo\nsummary: s\n") // missing version
	require.Error(t, Validate(newEnv(t, path)))
}

func TestFormatRewritesCanonically(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "# keep me\nname: foo\nversion: \"1.0\"\nsummary: s\n")
	require.NoError(t, Format(newEnv(t, path)))

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(out), "# keep me")
	require.Contains(t, string(out), "name: foo")
}

func TestPurgeRemovesCacheDir(t *testing.T) {
	env := newEnv(t, filepath.Join(t.TempDir(), "ops2deb.yml"))
	require.NoError(t, os.MkdirAll(env.CacheDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.CacheDir, "x"), []byte("x"), 0o644))

	require.NoError(t, Purge(env))
	_, err := os.Stat(env.CacheDir)
	require.True(t, os.IsNotExist(err))
}

func TestLockWritesLockfileEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeConfig(t, dir, "name: foo\nversion: \"1.0\"\nsummary: s\nfetch: "+srv.URL+"/foo-{{version}}.bin\n")
	env := newEnv(t, path)

	require.NoError(t, Lock(context.Background(), env))

	lockData, err := os.ReadFile(LockfilePathFor(path, ""))
	require.NoError(t, err)
	require.Contains(t, string(lockData), srv.URL+"/foo-1.0.bin")
}

func TestGenerateThenBuildProducesADebFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeConfig(t, dir, "name: foo\nversion: \"1.0\"\nsummary: s\nfetch: "+srv.URL+"/foo-{{version}}.bin\n")
	env := newEnv(t, path)

	require.NoError(t, Lock(context.Background(), env))

	results, err := Generate(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, results, 1)

	report, err := Build(context.Background(), env, 1, build.ModeInProcess)
	require.NoError(t, err)
	require.Len(t, report.Built, 1)
	require.Empty(t, report.Failed)
}

func TestMigrateHoistsLegacySHA256IntoLockfile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "name: foo\nversion: \"1.0\"\nsummary: s\nfetch:\n  url: https://example.com/foo-1.0.tar.gz\n  sha256: deadbeef\n")
	env := newEnv(t, path)

	require.NoError(t, Migrate(env))

	lockData, err := os.ReadFile(LockfilePathFor(path, ""))
	require.NoError(t, err)
	require.Contains(t, string(lockData), "deadbeef")

	rewritten, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(rewritten), "sha256")
}

func TestMigrateHoistsLegacyPerArchitectureSHA256sIntoLockfile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "name: foo\nversion: \"1.0\"\nsummary: s\n"+
		"matrix:\n  architectures: [\"amd64\", \"arm64\"]\n"+
		"fetch:\n  url: https://example.com/foo-1.0-{{goarch}}.tar.gz\n"+
		"  targets:\n    amd64:\n      sha256: aaaa\n    arm64:\n      sha256: bbbb\n")
	env := newEnv(t, path)

	require.NoError(t, Migrate(env))

	lockData, err := os.ReadFile(LockfilePathFor(path, ""))
	require.NoError(t, err)
	require.Contains(t, string(lockData), "https://example.com/foo-1.0-amd64.tar.gz")
	require.Contains(t, string(lockData), "aaaa")
	require.Contains(t, string(lockData), "https://example.com/foo-1.0-arm64.tar.gz")
	require.Contains(t, string(lockData), "bbbb")

	rewritten, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(rewritten), "sha256")
}

func TestMigrateIsNoopWhenNoLegacyHashes(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "name: foo\nversion: \"1.0\"\nsummary: s\n")
	env := newEnv(t, path)

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, Migrate(env))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestDeltaComputesAddedRemovedUpdated(t *testing.T) {
	dir := t.TempDir()
	oldPath := writeConfig(t, dir, "name: foo\nversion: \"1.0\"\nsummary: s\n")
	newDir := filepath.Join(dir, "new")
	require.NoError(t, os.MkdirAll(newDir, 0o755))
	newPath := filepath.Join(newDir, "ops2deb.yml")
	require.NoError(t, os.WriteFile(newPath, []byte("name: foo\nversion: \"2.0\"\nsummary: s\n"), 0o644))

	d, err := Delta(oldPath, newPath)
	require.NoError(t, err)
	require.Len(t, d.Updated, 1)
	require.Equal(t, "1.0", d.Updated[0].OldVersion)
	require.Equal(t, "2.0", d.Updated[0].NewVersion)
}
