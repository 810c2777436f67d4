package gen

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/upciti/ops2deb-go/internal/blueprint"
	"github.com/upciti/ops2deb-go/internal/ops2err"
)

const maintainer = "ops2deb <ops2deb@upciti.com>"

// writeDebian emits debian/control, changelog, rules, compat,
// copyright and install (spec.md §4.5 steps 3-6).
func writeDebian(dir string, r blueprint.Rendered) error {
	debianDir := filepath.Join(dir, "debian")
	if err := os.MkdirAll(debianDir, 0o755); err != nil {
		return ops2err.New(ops2err.CodeIO, "generate", r.Blueprint.Name, r.Version, r.Architecture, err)
	}

	files := map[string]string{
		"control":   controlFile(r),
		"changelog": changelogFile(r),
		"rules":     rulesFile(),
		"compat":    "13\n",
		"copyright": copyrightFile(r),
	}
	for name, content := range files {
		path := filepath.Join(debianDir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return ops2err.New(ops2err.CodeIO, "generate", r.Blueprint.Name, r.Version, r.Architecture, err)
		}
	}
	if err := os.Chmod(filepath.Join(debianDir, "rules"), 0o755); err != nil {
		return ops2err.New(ops2err.CodeIO, "generate", r.Blueprint.Name, r.Version, r.Architecture, err)
	}

	install, err := installFile(filepath.Join(dir, "src"))
	if err != nil {
		return ops2err.New(ops2err.CodeIO, "generate", r.Blueprint.Name, r.Version, r.Architecture, err)
	}
	if err := os.WriteFile(filepath.Join(debianDir, "install"), []byte(install), 0o644); err != nil {
		return ops2err.New(ops2err.CodeIO, "generate", r.Blueprint.Name, r.Version, r.Architecture, err)
	}

	return nil
}

// controlFile renders debian/control (spec.md §4.5 step 3), folding
// the long description with Debian's " ." blank-line convention.
// Grounded on other_examples' etnz-apt-repo-builder generateControlFile
// for the exact folding algorithm, adapted from its single in-memory
// Metadata struct to our Blueprint/Rendered pair.
func controlFile(r blueprint.Rendered) string {
	var b bytes.Buffer

	fmt.Fprintf(&b, "Source: %s\n", r.Blueprint.Name)
	fmt.Fprintf(&b, "Section: devops\n")
	fmt.Fprintf(&b, "Priority: optional\n")
	fmt.Fprintf(&b, "Maintainer: %s\n", maintainer)
	fmt.Fprintf(&b, "Build-Depends: debhelper-compat (= 13)\n")
	if r.Blueprint.Homepage != "" {
		fmt.Fprintf(&b, "Homepage: %s\n", r.Blueprint.Homepage)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Package: %s\n", r.Blueprint.Name)
	fmt.Fprintf(&b, "Architecture: %s\n", r.Architecture)
	writeRelationField(&b, "Depends", r.Blueprint.Depends)
	writeRelationField(&b, "Recommends", r.Blueprint.Recommends)
	writeRelationField(&b, "Conflicts", r.Blueprint.Conflicts)
	fmt.Fprintf(&b, "Description: %s\n", r.Blueprint.Summary)
	b.WriteString(foldDescription(r.Blueprint.Description))

	return b.String()
}

func writeRelationField(b *bytes.Buffer, field string, values []string) {
	if len(values) == 0 {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", field, strings.Join(values, ", "))
}

// foldDescription folds a multi-line description for the control file:
// each line after the summary is indented by one space; blank lines
// become a lone "." so dpkg does not treat them as end-of-stanza.
func foldDescription(desc string) string {
	if strings.TrimSpace(desc) == "" {
		return ""
	}
	var b bytes.Buffer
	for _, line := range strings.Split(strings.TrimRight(desc, "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			b.WriteString(" .\n")
			continue
		}
		b.WriteString(" " + line + "\n")
	}
	return b.String()
}

// changelogFile renders debian/changelog (spec.md §4.5 step 4).
func changelogFile(r blueprint.Rendered) string {
	version := r.Version
	if r.Blueprint.Epoch > 0 {
		version = fmt.Sprintf("%d:%s", r.Blueprint.Epoch, version)
	}
	version = fmt.Sprintf("%s-%d~ops2deb", version, r.Blueprint.Revision)

	return fmt.Sprintf(
		"%s (%s) unstable; urgency=medium\n\n  * Package generated with ops2deb.\n\n -- %s  %s\n",
		r.Blueprint.Name, version, maintainer, time.Now().UTC().Format(time.RFC1123Z),
	)
}

func rulesFile() string {
	return "#!/usr/bin/make -f\n\n%:\n\tdh $@\n"
}

func copyrightFile(r blueprint.Rendered) string {
	return fmt.Sprintf(
		"Format: https://www.debian.org/doc/packaging-manuals/copyright-format/1.0/\nUpstream-Name: %s\n\nFiles: *\nCopyright: unknown\nLicense: unknown\n",
		r.Blueprint.Name,
	)
}

// installFile lists every non-directory entry (regular files and
// symlinks) under srcDir relative to the
// package root (spec.md §4.5 step 6).
func installFile(srcDir string) (string, error) {
	var lines []string
	if _, err := os.Stat(srcDir); os.IsNotExist(err) {
		return "", nil
	}

	err := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		destDir := filepath.Dir(rel)
		if destDir == "." {
			destDir = "/"
		} else {
			destDir = "/" + filepath.ToSlash(destDir)
		}
		lines = append(lines, fmt.Sprintf("src/%s %s", filepath.ToSlash(rel), destDir))
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n", nil
}
