package update

import (
	"context"
	"net/http"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/upciti/ops2deb-go/internal/blueprint"
	"github.com/upciti/ops2deb-go/internal/fetch"
	"github.com/upciti/ops2deb-go/internal/lockfile"
	"github.com/upciti/ops2deb-go/internal/ops2err"
)

// Outcome is the per-blueprint result spec.md §4.7 step 5 requires.
type Outcome struct {
	Name       string
	OldVersion string
	NewVersion string
	Status     Status
	Reason     string
}

type Status int

const (
	UpToDate Status = iota
	Updated
	Failed
)

func (s Status) String() string {
	switch s {
	case UpToDate:
		return "up-to-date"
	case Updated:
		return "updated"
	default:
		return "failed"
	}
}

// Options configures an update run (spec.md §4.9 `update` flags).
type Options struct {
	Only        map[string]bool // empty = all
	DryRun      bool
	GitHubToken string
	Parallelism int
}

// Updater runs spec.md §4.7 against one loaded configuration document.
type Updater struct {
	ConfigPath string
	Lock       *lockfile.Lockfile
	Fetcher    *fetch.Fetcher
	Client     *http.Client
	Log        *logrus.Entry
}

// Run updates every blueprint in doc matching opts.Only, writing the
// configuration and lockfile in place unless opts.DryRun. Writes to the
// configuration/lockfile are serialised behind a single mutex per
// spec.md §4.7's concurrency note; blueprint-level network work runs up
// to opts.Parallelism at a time.
func (u *Updater) Run(ctx context.Context, doc *blueprint.Document, opts Options) ([]Outcome, error) {
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	sem := semaphore.NewWeighted(int64(parallelism))

	var writeMu sync.Mutex
	var resultsMu sync.Mutex
	outcomes := make([]Outcome, len(doc.Blueprints))

	var wg sync.WaitGroup
	for i := range doc.Blueprints {
		i := i
		b := &doc.Blueprints[i]
		if len(opts.Only) > 0 && !opts.Only[b.Name] {
			resultsMu.Lock()
			outcomes[i] = Outcome{Name: b.Name, OldVersion: b.Version, Status: UpToDate}
			resultsMu.Unlock()
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			resultsMu.Lock()
			outcomes[i] = Outcome{Name: b.Name, Status: Failed, Reason: ctx.Err().Error()}
			resultsMu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer sem.Release(1)
			defer wg.Done()
			o := u.updateOne(ctx, b, &writeMu, opts)
			resultsMu.Lock()
			outcomes[i] = o
			resultsMu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Name < outcomes[j].Name })
	return outcomes, nil
}

func (u *Updater) updateOne(ctx context.Context, b *blueprint.Blueprint, writeMu *sync.Mutex, opts Options) Outcome {
	fail := func(reason string) Outcome {
		return Outcome{Name: b.Name, OldVersion: b.Version, Status: Failed, Reason: reason}
	}

	if b.Matrix != nil && len(b.Matrix.Versions) > 0 {
		return fail("updater does not drive blueprints with matrix.versions; pin a single version first")
	}

	strategyName := InferStrategy(*b)
	strategy, err := NewStrategy(strategyName, opts.GitHubToken, u.Client)
	if err != nil {
		return fail(err.Error())
	}

	candidates, err := strategy.Candidates(ctx, *b, b.Version)
	if err != nil {
		return fail(err.Error())
	}
	if len(candidates) == 0 {
		return Outcome{Name: b.Name, OldVersion: b.Version, NewVersion: b.Version, Status: UpToDate}
	}

	for _, cand := range candidates {
		if ok, newURLs := u.candidateResolves(ctx, *b, cand.Version); ok {
			if opts.DryRun {
				return Outcome{Name: b.Name, OldVersion: b.Version, NewVersion: cand.Version, Status: Updated}
			}
			if err := u.commit(b, cand.Version, newURLs, writeMu); err != nil {
				return fail(err.Error())
			}
			return Outcome{Name: b.Name, OldVersion: b.Version, NewVersion: cand.Version, Status: Updated}
		}
	}

	return fail("no candidate version resolved for every architecture")
}

// candidateResolves renders the fetch URL for every architecture the
// blueprint targets and downloads each through the fetcher in locking
// mode (spec.md §4.7 step 3). It returns the set of newly fetched URLs
// on success.
func (u *Updater) candidateResolves(ctx context.Context, b blueprint.Blueprint, candidateVersion string) (bool, []string) {
	if b.Fetch == nil {
		return true, nil
	}

	trial := b
	trial.Version = candidateVersion
	rendered := blueprint.Expand(trial)

	var urls []string
	for i := range rendered {
		if _, err := blueprint.RenderFetchURL(&rendered[i], osGetenv); err != nil {
			return false, nil
		}
		urls = append(urls, rendered[i].FetchURL)
	}

	for _, url := range urls {
		if _, err := u.Fetcher.Fetch(ctx, url); err != nil {
			return false, nil
		}
	}
	return true, urls
}

// commit writes the new version into the configuration file
// (round-trip preserving layout, spec.md §4.7 step 4) and updates the
// lockfile: old URLs for this blueprint are removed if no longer
// referenced, new ones are already present from candidateResolves's
// locking-mode fetches.
func (u *Updater) commit(b *blueprint.Blueprint, newVersion string, newURLs []string, writeMu *sync.Mutex) error {
	writeMu.Lock()
	defer writeMu.Unlock()

	oldRendered := blueprint.Expand(*b)
	var oldURLs []string
	for i := range oldRendered {
		if b.Fetch == nil {
			continue
		}
		if _, err := blueprint.RenderFetchURL(&oldRendered[i], osGetenv); err == nil {
			oldURLs = append(oldURLs, oldRendered[i].FetchURL)
		}
	}

	dt, err := os.ReadFile(u.ConfigPath)
	if err != nil {
		return ops2err.New(ops2err.CodeIO, "update", b.Name, b.Version, "", err)
	}
	rewritten, err := blueprint.SetScalarField(dt, b.Name, "version", newVersion)
	if err != nil {
		return err
	}
	if err := os.WriteFile(u.ConfigPath, rewritten, 0o644); err != nil {
		return ops2err.New(ops2err.CodeIO, "update", b.Name, b.Version, "", err)
	}
	b.Version = newVersion

	newSet := map[string]bool{}
	for _, url := range newURLs {
		newSet[url] = true
	}
	for _, url := range oldURLs {
		if !newSet[url] {
			u.Lock.Remove(url)
		}
	}
	if err := u.Lock.Save(); err != nil {
		return err
	}

	return nil
}

func osGetenv(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	return v, ok
}
