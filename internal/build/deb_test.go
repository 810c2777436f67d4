package build

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/upciti/ops2deb-go/internal/blueprint"
)

func TestDebFileNameWithoutEpoch(t *testing.T) {
	r := blueprint.Rendered{Blueprint: blueprint.Blueprint{Name: "htop", Revision: 1}, Version: "3.2.2", Architecture: "amd64"}
	require.Equal(t, "htop_3.2.2-1~ops2deb_amd64.deb", debFileName(r))
}

func TestDebFileNameWithEpoch(t *testing.T) {
	r := blueprint.Rendered{Blueprint: blueprint.Blueprint{Name: "htop", Revision: 2, Epoch: 1}, Version: "3.2.2", Architecture: "amd64"}
	require.Equal(t, "htop_1:3.2.2-2~ops2deb_amd64.deb", debFileName(r))
}

func buildTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src", "usr", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "usr", "bin", "htop"), []byte("binary"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "debian"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "debian", "control"), []byte("Package: htop\nArchitecture: amd64\n"), 0o644))
	return dir
}

func readArMember(t *testing.T, data []byte, name string) []byte {
	t.Helper()
	r := ar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			t.Fatalf("member %q not found", name)
		}
		require.NoError(t, err)
		if strings.TrimSpace(hdr.Name) == name {
			out, err := io.ReadAll(r)
			require.NoError(t, err)
			return out
		}
	}
}

func TestAssembleDebProducesReadableArArchive(t *testing.T) {
	dir := buildTree(t)
	r := blueprint.Rendered{Blueprint: blueprint.Blueprint{Name: "htop", Revision: 1}, Version: "3.2.2", Architecture: "amd64"}
	out := filepath.Join(t.TempDir(), debFileName(r))

	require.NoError(t, assembleDeb(dir, out, r))

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	binary := readArMember(t, data, "debian-binary")
	require.Equal(t, "2.0\n", string(binary))

	found := false
	reader := ar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if strings.HasPrefix(strings.TrimSpace(hdr.Name), "data.tar") {
			found = true
		}
	}
	require.True(t, found, "data.tar* member must be present")
}

func TestCompressBlobPrefersZstdAndDecodesBack(t *testing.T) {
	raw := []byte("the quick brown fox")
	blob, ext, err := compressBlob(raw)
	require.NoError(t, err)
	require.Equal(t, ".zst", ext)

	dec, err := zstd.NewReader(bytes.NewReader(blob))
	require.NoError(t, err)
	defer dec.Close()
	out, err := io.ReadAll(dec)
	require.NoError(t, err)
	require.Equal(t, raw, out)
}

func TestBuildDataTarOwnsFilesRootRoot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), []byte("hi"), 0o644))

	data, members, err := buildDataTar(dir)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "file", members[0].relPath)

	tr := tar.NewReader(bytes.NewReader(data))
	hdr, err := tr.Next()
	require.NoError(t, err)
	require.Equal(t, "./file", hdr.Name)
	require.Equal(t, "root", hdr.Uname)
	require.Equal(t, 0, hdr.Uid)
}

func TestBuildControlTarIncludesControlAndMD5Sums(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "control"), []byte("Package: foo\n"), 0o644))

	members := []dataMember{{relPath: "usr/bin/foo", md5hex: "abc123"}}
	data, err := buildControlTar(dir, members)
	require.NoError(t, err)

	gotControl := false
	gotMd5 := false
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		buf, _ := io.ReadAll(tr)
		switch hdr.Name {
		case "./control":
			gotControl = true
			require.Contains(t, string(buf), "Package: foo")
		case "./md5sums":
			gotMd5 = true
			require.Contains(t, string(buf), "abc123  usr/bin/foo")
		}
	}
	require.True(t, gotControl)
	require.True(t, gotMd5)
}
