// Package gen implements the source-tree generator of spec.md §4.5: for
// each rendered blueprint it stages a src/ payload from the fetch
// cache, install directives and build scripts, then emits a debian/
// control directory next to it.
//
// Grounded on the teacher's (Azure/dalec) generator_*.go family for the
// "stage files into a payload directory, then emit metadata" shape,
// generalized from dalec's BuildKit LLB graph construction to plain
// filesystem operations since this tool has no BuildKit solver.
package gen

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/moby/patternmatcher"
	"github.com/sirupsen/logrus"

	"github.com/upciti/ops2deb-go/internal/blueprint"
	"github.com/upciti/ops2deb-go/internal/ops2err"
	"github.com/upciti/ops2deb-go/internal/template"
)

// manifestName is the per-tree marker `build` reads to rediscover
// targets without re-running `generate` (spec.md §4.9: "`build` runs
// 4.6 over previously generated trees").
const manifestName = ".ops2deb-target.yaml"

// manifest is the subset of a rendered blueprint's identity a build
// needs once the tree already exists on disk.
type manifest struct {
	Name         string `yaml:"name"`
	Version      string `yaml:"version"`
	Revision     int    `yaml:"revision"`
	Epoch        int    `yaml:"epoch"`
	Architecture string `yaml:"architecture"`
}

// defaultIgnoredPaths are skipped during a recursive directory install
// copy. Grounded on moby/patternmatcher, the teacher's dependency for
// filtering a filesystem tree by glob; dalec uses it to apply
// includes/excludes on build contexts, we reuse it here to keep VCS
// metadata out of generated payloads.
var defaultIgnoredPaths = []string{".git", ".git/**", ".svn", ".svn/**", ".hg", ".hg/**"}

// Result is what Generate returns for one rendered blueprint.
type Result struct {
	Rendered blueprint.Rendered
	Dir      string // <output>/<name>_<version>_<architecture>
	SrcDir   string
}

// Generator builds source trees under OutputDir.
type Generator struct {
	OutputDir     string
	ScriptTimeout time.Duration
	Log           *logrus.Entry
}

// New returns a Generator writing trees under outputDir.
func New(outputDir string) *Generator {
	return &Generator{
		OutputDir:     outputDir,
		ScriptTimeout: 10 * time.Minute,
		Log:           logrus.NewEntry(logrus.StandardLogger()),
	}
}

// Generate stages src/ and emits debian/ for r (spec.md §4.5). fetchDir
// is the extracted cache tree for r's fetch URL, or "" if the
// blueprint has no fetch. getenv resolves env() calls inside scripts.
func (g *Generator) Generate(ctx context.Context, r blueprint.Rendered, fetchDir string, getenv func(string) (string, bool)) (*Result, error) {
	dir := filepath.Join(g.OutputDir, r.DisplayName())
	srcDir := filepath.Join(dir, "src")

	if err := os.RemoveAll(dir); err != nil {
		return nil, ops2err.New(ops2err.CodeIO, "generate", r.Blueprint.Name, r.Version, r.Architecture, err)
	}
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return nil, ops2err.New(ops2err.CodeIO, "generate", r.Blueprint.Name, r.Version, r.Architecture, err)
	}

	if fetchDir != "" {
		if err := copyTree(fetchDir, srcDir, nil); err != nil {
			return nil, ops2err.New(ops2err.CodeIO, "generate", r.Blueprint.Name, r.Version, r.Architecture, err)
		}
	}

	if err := g.applyInstall(r, srcDir); err != nil {
		return nil, err
	}

	if err := g.runScripts(ctx, r, dir, srcDir, getenv); err != nil {
		return nil, err
	}

	if err := writeDebian(dir, r); err != nil {
		return nil, err
	}

	if err := writeManifest(dir, r); err != nil {
		return nil, err
	}

	return &Result{Rendered: r, Dir: dir, SrcDir: srcDir}, nil
}

func writeManifest(dir string, r blueprint.Rendered) error {
	m := manifest{
		Name:         r.Blueprint.Name,
		Version:      r.Version,
		Revision:     r.Blueprint.Revision,
		Epoch:        r.Blueprint.Epoch,
		Architecture: r.Architecture,
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return ops2err.New(ops2err.CodeIO, "generate", r.Blueprint.Name, r.Version, r.Architecture, err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), data, 0o644); err != nil {
		return ops2err.New(ops2err.CodeIO, "generate", r.Blueprint.Name, r.Version, r.Architecture, err)
	}
	return nil
}

// Discover rediscovers every previously generated tree directly under
// outputDir by reading back its manifest, so `build` can run without
// re-running `generate` (spec.md §4.9).
func Discover(outputDir string) ([]Result, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ops2err.New(ops2err.CodeIO, "build", "", "", "", err)
	}

	var results []Result
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(outputDir, entry.Name())
		data, err := os.ReadFile(filepath.Join(dir, manifestName))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, ops2err.New(ops2err.CodeIO, "build", "", "", "", err)
		}
		var m manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, ops2err.New(ops2err.CodeIO, "build", "", "", "", err)
		}
		b := blueprint.Blueprint{Name: m.Name, Version: m.Version, Revision: m.Revision, Epoch: m.Epoch, Architecture: m.Architecture}
		r := blueprint.Rendered{Blueprint: b, Version: m.Version, Architecture: m.Architecture}
		results = append(results, Result{Rendered: r, Dir: dir, SrcDir: filepath.Join(dir, "src")})
	}
	return results, nil
}

// applyInstall runs every install entry in order (spec.md §4.5 step 2).
func (g *Generator) applyInstall(r blueprint.Rendered, srcDir string) error {
	fail := func(cause error) error {
		return ops2err.New(ops2err.CodeIO, "install", r.Blueprint.Name, r.Version, r.Architecture, cause)
	}

	for _, entry := range r.Blueprint.Install {
		switch {
		case entry.IsHeredoc:
			dest := filepath.Join(srcDir, entry.Path)
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fail(err)
			}
			if err := os.WriteFile(dest, []byte(entry.Content), 0o644); err != nil {
				return fail(err)
			}
		case entry.IsRecursiveCopy():
			dir := strings.TrimSuffix(entry.Raw, "/")
			src := filepath.Join(srcDir, dir)
			dest := filepath.Join(srcDir, dir)
			if src != dest {
				if err := copyTree(src, dest, defaultIgnoredPaths); err != nil {
					return fail(err)
				}
			}
		default:
			src, dest, ok := entry.SplitCopy()
			if !ok {
				return fail(fmt.Errorf("malformed install entry %q", entry.Raw))
			}
			absSrc := filepath.Join(srcDir, src)
			absDest := filepath.Join(srcDir, strings.TrimPrefix(dest, "/"))
			info, err := os.Stat(absSrc)
			if err != nil {
				return fail(err)
			}
			if info.IsDir() {
				if err := copyTree(absSrc, absDest, defaultIgnoredPaths); err != nil {
					return fail(err)
				}
			} else {
				if err := os.MkdirAll(filepath.Dir(absDest), 0o755); err != nil {
					return fail(err)
				}
				if err := copyFile(absSrc, absDest, info.Mode()); err != nil {
					return fail(err)
				}
			}
		}
	}
	return nil
}

// runScripts executes each script line as a shell command with cwd=dir
// and {{src}} resolved to srcDir (spec.md §4.5 step 2, §4.1).
func (g *Generator) runScripts(ctx context.Context, r blueprint.Rendered, dir, srcDir string, getenv func(string) (string, bool)) error {
	if len(r.Blueprint.Script) == 0 {
		return nil
	}

	goarch, goarchErr := template.GoArchFor(r.Architecture)
	env := template.Env{
		Version:   r.Version,
		HasGoArch: goarchErr == nil,
		GoArch:    goarch,
		HasSrc:    true,
		Src:       srcDir,
		Getenv:    getenv,
	}

	for _, line := range r.Blueprint.Script {
		rendered, err := template.Render(line, env)
		if err != nil {
			return ops2err.New(ops2err.CodeTemplate, "script", r.Blueprint.Name, r.Version, r.Architecture, err)
		}

		scriptCtx, cancel := context.WithTimeout(ctx, g.ScriptTimeout)
		cmd := exec.CommandContext(scriptCtx, "/bin/sh", "-c", rendered)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "src="+srcDir)
		out, runErr := cmd.CombinedOutput()
		cancel()
		if runErr != nil {
			return ops2err.New(ops2err.CodeScript, "script", r.Blueprint.Name, r.Version, r.Architecture,
				fmt.Errorf("%q: %w: %s", rendered, runErr, strings.TrimSpace(string(out))))
		}
	}
	return nil
}

// copyTree copies src into dst recursively, skipping anything matched
// by ignore (a set of patternmatcher-style globs relative to src's
// root). Hardlinks are attempted first and silently fall back to a
// byte copy across filesystem boundaries, mirroring "copy or hardlink"
// from spec.md §4.5 step 2.
func copyTree(src, dst string, ignore []string) error {
	var pm *patternmatcher.PatternMatcher
	if len(ignore) > 0 {
		var err error
		pm, err = patternmatcher.New(ignore)
		if err != nil {
			return err
		}
	}

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0o755)
		}
		if pm != nil {
			matched, mErr := pm.Matches(filepath.ToSlash(rel))
			if mErr != nil {
				return mErr
			}
			if matched {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		target := filepath.Join(dst, rel)
		switch {
		case info.IsDir():
			return os.MkdirAll(target, 0o755)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode())
		}
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	if _, err := io.Copy(w, in); err != nil {
		return err
	}
	return w.Flush()
}
