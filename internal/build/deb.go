// Package build implements the builder of spec.md §4.6: it turns a
// generated source tree into one or more .deb files, either by
// assembling the ar archive in-process or by delegating to an external
// dpkg-buildpackage invocation, with bounded parallelism across
// rendered blueprints.
package build

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/zstd"

	"github.com/upciti/ops2deb-go/internal/blueprint"
	"github.com/upciti/ops2deb-go/internal/ops2err"
)

// debFileName returns "<name>_<epoch?:><version>-<revision>~ops2deb_<architecture>.deb"
// per spec.md §6.
func debFileName(r blueprint.Rendered) string {
	version := r.Version
	if r.Blueprint.Epoch > 0 {
		version = fmt.Sprintf("%d:%s", r.Blueprint.Epoch, version)
	}
	return fmt.Sprintf("%s_%s-%d~ops2deb_%s.deb", r.Blueprint.Name, version, r.Blueprint.Revision, r.Architecture)
}

// assembleDeb builds the ar archive described in spec.md §4.6 in
// memory-light streaming fashion, writing it to outPath. Grounded on
// other_examples' etnz-apt-repo-builder deb-package.go WriteTo
// (debian-binary, control.tar, data.tar in order via blakesmith/ar),
// generalized to prefer zstd and fall back to gzip per spec.md §4.6.
func assembleDeb(treeDir, outPath string, r blueprint.Rendered) error {
	debianDir := filepath.Join(treeDir, "debian")
	srcDir := filepath.Join(treeDir, "src")

	dataTar, dataMembers, err := buildDataTar(srcDir)
	if err != nil {
		return err
	}
	controlTar, err := buildControlTar(debianDir, dataMembers)
	if err != nil {
		return err
	}

	dataBlob, dataExt, err := compressBlob(dataTar)
	if err != nil {
		return err
	}
	controlBlob, controlExt, err := compressBlob(controlTar)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return ops2err.New(ops2err.CodeIO, "build", r.Blueprint.Name, r.Version, r.Architecture, err)
	}
	defer out.Close()

	w := ar.NewWriter(out)
	if err := w.WriteGlobalHeader(); err != nil {
		return ops2err.New(ops2err.CodeBuild, "build", r.Blueprint.Name, r.Version, r.Architecture, err)
	}

	entries := []struct {
		name string
		data []byte
	}{
		{"debian-binary", []byte("2.0\n")},
		{"control.tar" + controlExt, controlBlob},
		{"data.tar" + dataExt, dataBlob},
	}
	for _, e := range entries {
		hdr := &ar.Header{
			Name:    e.name,
			Size:    int64(len(e.data)),
			Mode:    0o644,
			ModTime: time.Unix(0, 0),
		}
		if err := w.WriteHeader(hdr); err != nil {
			return ops2err.New(ops2err.CodeBuild, "build", r.Blueprint.Name, r.Version, r.Architecture, err)
		}
		if _, err := w.Write(e.data); err != nil {
			return ops2err.New(ops2err.CodeBuild, "build", r.Blueprint.Name, r.Version, r.Architecture, err)
		}
	}
	return nil
}

// compressBlob prefers zstd, the default per spec.md §4.6, falling
// back to gzip only if zstd encoding itself fails (never expected in
// practice, kept for robustness against an exotic content stream).
func compressBlob(raw []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err == nil {
		if _, werr := enc.Write(raw); werr == nil {
			if cerr := enc.Close(); cerr == nil {
				return buf.Bytes(), ".zst", nil
			}
		}
	}

	buf.Reset()
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, "", err
	}
	if err := gz.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), ".gz", nil
}

type dataMember struct {
	relPath string
	size    int64
	md5hex  string
}

// buildDataTar tars srcDir's contents rooted at "/", owned root:root
// (spec.md §4.6: "the data tarball contains the staged filesystem with
// permissions and ownership root:root").
func buildDataTar(srcDir string) ([]byte, []dataMember, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	var members []dataMember

	if _, err := os.Stat(srcDir); err == nil {
		err = filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(srcDir, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			name := "./" + filepath.ToSlash(rel)

			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = name
			hdr.Uid, hdr.Gid = 0, 0
			hdr.Uname, hdr.Gname = "root", "root"

			if info.IsDir() {
				hdr.Name += "/"
				return tw.WriteHeader(hdr)
			}
			if info.Mode()&os.ModeSymlink != 0 {
				link, lerr := os.Readlink(path)
				if lerr != nil {
					return lerr
				}
				hdr.Typeflag = tar.TypeSymlink
				hdr.Linkname = link
				return tw.WriteHeader(hdr)
			}

			data, rerr := os.ReadFile(path)
			if rerr != nil {
				return rerr
			}
			hdr.Size = int64(len(data))
			if werr := tw.WriteHeader(hdr); werr != nil {
				return werr
			}
			if _, werr := tw.Write(data); werr != nil {
				return werr
			}

			sum := md5.Sum(data)
			members = append(members, dataMember{
				relPath: filepath.ToSlash(rel),
				size:    int64(len(data)),
				md5hex:  fmt.Sprintf("%x", sum),
			})
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), members, nil
}

// buildControlTar tars debian/control, an md5sums member computed from
// the data members, and any
// maintainer scripts (preinst/postinst/prerm/postrm/config) found
// alongside debian/control.
func buildControlTar(debianDir string, members []dataMember) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	control, err := os.ReadFile(filepath.Join(debianDir, "control"))
	if err != nil {
		return nil, err
	}
	if err := writeTarEntry(tw, "./control", control, 0o644); err != nil {
		return nil, err
	}

	sort.Slice(members, func(i, j int) bool { return members[i].relPath < members[j].relPath })
	var md5sums strings.Builder
	for _, m := range members {
		fmt.Fprintf(&md5sums, "%s  %s\n", m.md5hex, m.relPath)
	}
	if err := writeTarEntry(tw, "./md5sums", []byte(md5sums.String()), 0o644); err != nil {
		return nil, err
	}

	for _, script := range []string{"preinst", "postinst", "prerm", "postrm", "config"} {
		path := filepath.Join(debianDir, script)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := writeTarEntry(tw, "./"+script, data, 0o755); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeTarEntry(tw *tar.Writer, name string, data []byte, mode int64) error {
	hdr := &tar.Header{
		Name:  name,
		Size:  int64(len(data)),
		Mode:  mode,
		Uname: "root",
		Gname: "root",
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}
