package fetch

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/ulikunitz/xz"

	"github.com/upciti/ops2deb-go/internal/ops2err"
)

// format identifies a recognised archive extension (spec.md §4.4.4).
type format int

const (
	formatNone format = iota
	formatTar
	formatTarGz
	formatTarXz
	formatTarBz2
	formatZip
	formatDeb
)

func detectFormat(nameOrURL string) format {
	name := strings.ToLower(nameOrURL)
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return formatTarGz
	case strings.HasSuffix(name, ".tar.xz"):
		return formatTarXz
	case strings.HasSuffix(name, ".tar.bz2"):
		return formatTarBz2
	case strings.HasSuffix(name, ".tar"):
		return formatTar
	case strings.HasSuffix(name, ".zip"):
		return formatZip
	case strings.HasSuffix(name, ".deb"):
		return formatDeb
	default:
		return formatNone
	}
}

// extract unpacks srcFile (whose format was detected from the source
// URL) into destDir, which must not yet exist; destDir is populated
// completely or not at all by the caller's atomic-rename publish step
// (spec.md §4.4.5).
func extract(fmtKind format, srcFile, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return ops2err.New(ops2err.CodeIO, "extract", "", "", "", err)
	}

	f, err := os.Open(srcFile)
	if err != nil {
		return ops2err.New(ops2err.CodeIO, "extract", "", "", "", err)
	}
	defer f.Close()

	switch fmtKind {
	case formatTar:
		return extractTar(f, destDir)
	case formatTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return ops2err.New(ops2err.CodeArchive, "extract", "", "", "", err)
		}
		defer gz.Close()
		return extractTar(gz, destDir)
	case formatTarXz:
		xzr, err := xz.NewReader(f)
		if err != nil {
			return ops2err.New(ops2err.CodeArchive, "extract", "", "", "", err)
		}
		return extractTar(xzr, destDir)
	case formatTarBz2:
		return extractTar(bzip2.NewReader(f), destDir)
	case formatZip:
		return extractZip(srcFile, destDir)
	case formatDeb:
		return extractDeb(f, destDir)
	default:
		return ops2err.New(ops2err.CodeUnsupportedFmt, "extract", "", "", "",
			fmt.Errorf("unrecognised archive format"))
	}
}

// extractTar writes every regular file, directory, and symlink from r
// into destDir, rejecting absolute symlinks that point outside destDir
// and relative symlinks/paths that would escape it via "..". This is
// spec.md §4.4's "Symlinks inside archives are preserved; absolute
// symlinks pointing outside the extracted root are rejected".
func extractTar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return ops2err.New(ops2err.CodeArchive, "extract", "", "", "", err)
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return ops2err.New(ops2err.CodeIO, "extract", "", "", "", err)
			}
		case tar.TypeSymlink:
			if err := checkSymlinkTarget(destDir, target, hdr.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return ops2err.New(ops2err.CodeIO, "extract", "", "", "", err)
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return ops2err.New(ops2err.CodeIO, "extract", "", "", "", err)
			}
		case tar.TypeReg, tar.TypeRegA:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return ops2err.New(ops2err.CodeIO, "extract", "", "", "", err)
			}
			if err := writeFileFromReader(target, tr, os.FileMode(hdr.Mode&0o777)); err != nil {
				return err
			}
		default:
			// Skip device nodes, fifos, etc: not meaningful for a package payload.
		}
	}
}

func writeFileFromReader(path string, r io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return ops2err.New(ops2err.CodeIO, "extract", "", "", "", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return ops2err.New(ops2err.CodeIO, "extract", "", "", "", err)
	}
	return nil
}

// safeJoin resolves name against root, rejecting paths that would
// escape root via ".." components.
func safeJoin(root, name string) (string, error) {
	joined := filepath.Join(root, name)
	if !strings.HasPrefix(joined, filepath.Clean(root)+string(os.PathSeparator)) && joined != filepath.Clean(root) {
		return "", ops2err.New(ops2err.CodeArchive, "extract", "", "", "",
			fmt.Errorf("archive entry %q escapes extraction root", name))
	}
	return joined, nil
}

func checkSymlinkTarget(root, linkPath, linkTarget string) error {
	if filepath.IsAbs(linkTarget) {
		if !strings.HasPrefix(filepath.Clean(linkTarget), filepath.Clean(root)+string(os.PathSeparator)) {
			return ops2err.New(ops2err.CodeArchive, "extract", "", "", "",
				fmt.Errorf("symlink %q points to absolute path %q outside extraction root", linkPath, linkTarget))
		}
		return nil
	}
	resolved := filepath.Join(filepath.Dir(linkPath), linkTarget)
	if !strings.HasPrefix(filepath.Clean(resolved), filepath.Clean(root)+string(os.PathSeparator)) && filepath.Clean(resolved) != filepath.Clean(root) {
		return ops2err.New(ops2err.CodeArchive, "extract", "", "", "",
			fmt.Errorf("symlink %q resolves outside extraction root", linkPath))
	}
	return nil
}

func extractZip(srcFile, destDir string) error {
	zr, err := zip.OpenReader(srcFile)
	if err != nil {
		return ops2err.New(ops2err.CodeArchive, "extract", "", "", "", err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		target, err := safeJoin(destDir, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return ops2err.New(ops2err.CodeIO, "extract", "", "", "", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return ops2err.New(ops2err.CodeIO, "extract", "", "", "", err)
		}
		rc, err := zf.Open()
		if err != nil {
			return ops2err.New(ops2err.CodeArchive, "extract", "", "", "", err)
		}
		err = writeFileFromReader(target, rc, zf.Mode().Perm())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// extractDeb unpacks the inner data tarball of a .deb ar archive
// (spec.md §4.4.4: "`.deb` extraction yields the inner data tarball's
// tree"). Grounded on other_examples' etnz-apt-repo-builder deb-package
// reader, adapted from bytes.Buffer round-tripping to streaming
// extraction straight off the ar member.
func extractDeb(f io.Reader, destDir string) error {
	ar := ar.NewReader(f)
	for {
		hdr, err := ar.Next()
		if err == io.EOF {
			return ops2err.New(ops2err.CodeArchive, "extract", "", "", "",
				fmt.Errorf("deb archive has no data.tar member"))
		}
		if err != nil {
			return ops2err.New(ops2err.CodeArchive, "extract", "", "", "", err)
		}
		name := strings.TrimSpace(hdr.Name)
		if !strings.HasPrefix(name, "data.tar") {
			continue
		}
		switch {
		case strings.HasSuffix(name, ".gz"):
			gz, err := gzip.NewReader(ar)
			if err != nil {
				return ops2err.New(ops2err.CodeArchive, "extract", "", "", "", err)
			}
			return extractTar(gz, destDir)
		case strings.HasSuffix(name, ".xz"):
			xzr, err := xz.NewReader(ar)
			if err != nil {
				return ops2err.New(ops2err.CodeArchive, "extract", "", "", "", err)
			}
			return extractTar(xzr, destDir)
		case strings.HasSuffix(name, ".bz2"):
			return extractTar(bzip2.NewReader(ar), destDir)
		default:
			return extractTar(ar, destDir)
		}
	}
}
