package build

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/upciti/ops2deb-go/internal/blueprint"
	"github.com/upciti/ops2deb-go/internal/ops2err"
)

// Mode selects how a source tree is turned into a .deb.
type Mode int

const (
	// ModeInProcess assembles the ar archive directly (spec.md §4.6's
	// allowed in-process alternative; the default per DESIGN.md's
	// resolution of Open Question (b)).
	ModeInProcess Mode = iota
	// ModeExternal shells out to dpkg-buildpackage.
	ModeExternal
)

// Target is one generated source tree ready to build.
type Target struct {
	Rendered blueprint.Rendered
	Dir      string // generated tree root, holding debian/ and src/
}

// Failure records one failed build (spec.md §4.6's report shape).
type Failure struct {
	Name         string
	Architecture string
	Error        error
}

// Report is the structured outcome of a Run (spec.md §4.6).
type Report struct {
	Built  []string // output .deb paths
	Failed []Failure
}

// Builder runs the Debian binary build for a set of generated trees
// with bounded parallelism and per-build failure isolation (spec.md
// §4.6). Grounded on the teacher's worker-pool idiom of bounding
// concurrency with a weighted semaphore, generalized here from dalec's
// BuildKit solve requests to external dpkg-buildpackage/in-process
// assembly invocations.
type Builder struct {
	OutputDir    string
	Workers      int
	Mode         Mode
	BuildTimeout time.Duration
	Log          *logrus.Entry
}

// New returns a Builder with P defaulting to the number of CPUs per spec.md §4.6.
func New(outputDir string) *Builder {
	return &Builder{
		OutputDir:    outputDir,
		Workers:      runtime.NumCPU(),
		Mode:         ModeInProcess,
		BuildTimeout: 30 * time.Minute,
		Log:          logrus.NewEntry(logrus.StandardLogger()),
	}
}

// Run builds every target, bounding concurrency to b.Workers and
// continuing past individual failures (spec.md §4.6).
func (b *Builder) Run(ctx context.Context, targets []Target) (*Report, error) {
	if err := os.MkdirAll(b.OutputDir, 0o755); err != nil {
		return nil, ops2err.New(ops2err.CodeIO, "build", "", "", "", err)
	}

	workers := b.Workers
	if workers <= 0 {
		workers = 1
	}
	sem := semaphore.NewWeighted(int64(workers))

	type outcome struct {
		path string
		fail *Failure
	}
	results := make([]outcome, len(targets))

	var wg sync.WaitGroup
	for i, t := range targets {
		i, t := i, t
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = outcome{fail: &Failure{Name: t.Rendered.Blueprint.Name, Architecture: t.Rendered.Architecture, Error: ops2err.New(ops2err.CodeCancelled, "build", t.Rendered.Blueprint.Name, t.Rendered.Version, t.Rendered.Architecture, ctx.Err())}}
			continue
		}
		wg.Add(1)
		go func() {
			defer sem.Release(1)
			defer wg.Done()
			path, err := b.buildOne(ctx, t)
			if err != nil {
				results[i] = outcome{fail: &Failure{Name: t.Rendered.Blueprint.Name, Architecture: t.Rendered.Architecture, Error: err}}
				return
			}
			results[i] = outcome{path: path}
		}()
	}
	wg.Wait()

	report := &Report{}
	for _, r := range results {
		if r.fail != nil {
			report.Failed = append(report.Failed, *r.fail)
			continue
		}
		if r.path != "" {
			report.Built = append(report.Built, r.path)
		}
	}
	sort.Strings(report.Built)
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Name < report.Failed[j].Name })
	return report, nil
}

func (b *Builder) buildOne(ctx context.Context, t Target) (string, error) {
	buildCtx, cancel := context.WithTimeout(ctx, b.BuildTimeout)
	defer cancel()

	switch b.Mode {
	case ModeExternal:
		return b.buildExternal(buildCtx, t)
	default:
		return b.buildInProcess(t)
	}
}

func (b *Builder) buildInProcess(t Target) (string, error) {
	out := filepath.Join(b.OutputDir, debFileName(t.Rendered))
	if err := assembleDeb(t.Dir, out, t.Rendered); err != nil {
		return "", err
	}
	return out, nil
}

// buildExternal shells out to dpkg-buildpackage, trusting the
// generated debian/rules instead of the in-process assembler (DESIGN.md's
// Open Question (b) resolution, `--external` build mode).
func (b *Builder) buildExternal(ctx context.Context, t Target) (string, error) {
	cmd := exec.CommandContext(ctx, "dpkg-buildpackage", "-b", "-us", "-uc")
	cmd.Dir = t.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", ops2err.New(ops2err.CodeBuild, "build", t.Rendered.Blueprint.Name, t.Rendered.Version, t.Rendered.Architecture,
			wrapOutput(err, out))
	}

	name := debFileName(t.Rendered)
	built := filepath.Join(filepath.Dir(t.Dir), name)
	dest := filepath.Join(b.OutputDir, name)
	if built == dest {
		return dest, nil
	}
	data, rerr := os.ReadFile(built)
	if rerr != nil {
		return "", ops2err.New(ops2err.CodeBuild, "build", t.Rendered.Blueprint.Name, t.Rendered.Version, t.Rendered.Architecture, rerr)
	}
	if werr := os.WriteFile(dest, data, 0o644); werr != nil {
		return "", ops2err.New(ops2err.CodeBuild, "build", t.Rendered.Blueprint.Name, t.Rendered.Version, t.Rendered.Architecture, werr)
	}
	return dest, nil
}

func wrapOutput(err error, out []byte) error {
	return &buildOutputError{cause: err, output: string(out)}
}

type buildOutputError struct {
	cause  error
	output string
}

func (e *buildOutputError) Error() string { return e.cause.Error() + ": " + e.output }
func (e *buildOutputError) Unwrap() error { return e.cause }
