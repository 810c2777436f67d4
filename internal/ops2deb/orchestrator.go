package ops2deb

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"sync"

	"github.com/goccy/go-yaml"
	"golang.org/x/sync/semaphore"

	"github.com/upciti/ops2deb-go/internal/blueprint"
	"github.com/upciti/ops2deb-go/internal/build"
	"github.com/upciti/ops2deb-go/internal/delta"
	"github.com/upciti/ops2deb-go/internal/fetch"
	"github.com/upciti/ops2deb-go/internal/gen"
	"github.com/upciti/ops2deb-go/internal/lockfile"
	"github.com/upciti/ops2deb-go/internal/ops2err"
	"github.com/upciti/ops2deb-go/internal/update"
)

// LoadDocument reads and validates the configuration at env.ConfigPath
// (spec.md §4.2), resolving its sidecar lockfile.
func LoadDocument(env Environment) (*blueprint.Document, *lockfile.Lockfile, error) {
	dt, err := os.ReadFile(env.ConfigPath)
	if err != nil {
		return nil, nil, ops2err.New(ops2err.CodeIO, "load", "", "", "", err)
	}

	doc, err := blueprint.Load(dt, envMap())
	if err != nil {
		return nil, nil, err
	}

	lockPath := LockfilePathFor(env.ConfigPath, doc.LockfilePath)
	lock, err := lockfile.Load(lockPath)
	if err != nil {
		return nil, nil, err
	}
	return doc, lock, nil
}

func envMap() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}

func newFetcher(env Environment, lock *lockfile.Lockfile, mode fetch.Mode) *fetch.Fetcher {
	return fetch.New(env.CacheDir, lock, mode, fetch.WithLogger(env.Log.WithField("stage", "fetch")))
}

func osGetenv(name string) (string, bool) { return os.LookupEnv(name) }

// Generate runs §4.2 -> §4.4 (parallel fetches) -> §4.5 for every
// rendered blueprint in the configuration (spec.md §4.9 `generate`).
func Generate(ctx context.Context, env Environment) ([]gen.Result, error) {
	doc, lock, err := LoadDocument(env)
	if err != nil {
		return nil, err
	}

	rendered := blueprint.ExpandAll(doc.Blueprints)
	if err := blueprint.RenderFetchURLs(rendered, osGetenv); err != nil {
		return nil, err
	}

	fetcher := newFetcher(env, lock, fetch.ModeVerify)
	fetchDirs, fetchErrs := parallelFetch(ctx, fetcher, rendered)

	generator := gen.New(env.OutputDir)
	var results []gen.Result
	var genErrs []error
	for i, r := range rendered {
		if fetchErrs[i] != nil {
			genErrs = append(genErrs, fetchErrs[i])
			continue
		}
		result, err := generator.Generate(ctx, r, fetchDirs[i], osGetenv)
		if err != nil {
			genErrs = append(genErrs, err)
			continue
		}
		results = append(results, *result)
	}

	if len(genErrs) > 0 {
		return results, genErrs[0]
	}
	return results, nil
}

// parallelFetch fetches every rendered blueprint's URL concurrently,
// bounded by the number of CPUs (spec.md §5's "no ordering across blueprints").
func parallelFetch(ctx context.Context, fetcher *fetch.Fetcher, rendered []blueprint.Rendered) ([]string, []error) {
	dirs := make([]string, len(rendered))
	errs := make([]error, len(rendered))

	sem := semaphore.NewWeighted(int64(runtime.NumCPU()))
	var wg sync.WaitGroup
	for i, r := range rendered {
		if r.Blueprint.Fetch == nil {
			continue
		}
		i, r := i, r
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[i] = ops2err.New(ops2err.CodeCancelled, "fetch", r.Blueprint.Name, r.Version, r.Architecture, ctx.Err())
			continue
		}
		wg.Add(1)
		go func() {
			defer sem.Release(1)
			defer wg.Done()
			res, err := fetcher.Fetch(ctx, r.FetchURL)
			if err != nil {
				errs[i] = err
				return
			}
			dirs[i] = res.CacheDir
		}()
	}
	wg.Wait()
	return dirs, errs
}

// Build runs §4.6 over previously generated trees, rediscovered from
// env.OutputDir (spec.md §4.9 `build`).
func Build(ctx context.Context, env Environment, workers int, mode build.Mode) (*build.Report, error) {
	results, err := gen.Discover(env.OutputDir)
	if err != nil {
		return nil, err
	}

	builder := build.New(env.OutputDir)
	builder.Log = env.Log.WithField("stage", "build")
	if workers > 0 {
		builder.Workers = workers
	}
	builder.Mode = mode

	targets := make([]build.Target, len(results))
	for i, r := range results {
		targets[i] = build.Target{Rendered: r.Rendered, Dir: r.Dir}
	}
	return builder.Run(ctx, targets)
}

// Lock runs §4.4 in locking mode for every URL the configuration
// references, without generating (spec.md §4.9 `lock`).
func Lock(ctx context.Context, env Environment) error {
	doc, lock, err := LoadDocument(env)
	if err != nil {
		return err
	}

	rendered := blueprint.ExpandAll(doc.Blueprints)
	if err := blueprint.RenderFetchURLs(rendered, osGetenv); err != nil {
		return err
	}

	fetcher := newFetcher(env, lock, fetch.ModeLock)
	_, errs := parallelFetch(ctx, fetcher, rendered)
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return lock.Save()
}

// Purge removes the cache directory (spec.md §4.9 `purge`).
func Purge(env Environment) error {
	if err := os.RemoveAll(env.CacheDir); err != nil {
		return ops2err.New(ops2err.CodeIO, "purge", "", "", "", err)
	}
	return nil
}

// Validate runs §4.2 only (spec.md §4.9 `validate`).
func Validate(env Environment) error {
	_, _, err := LoadDocument(env)
	return err
}

// Format rewrites the configuration canonically, preserving leading
// comments (spec.md §4.9 `format`).
func Format(env Environment) error {
	dt, err := os.ReadFile(env.ConfigPath)
	if err != nil {
		return ops2err.New(ops2err.CodeIO, "format", "", "", "", err)
	}
	formatted, err := blueprint.Format(dt)
	if err != nil {
		return err
	}
	return os.WriteFile(env.ConfigPath, formatted, 0o644)
}

// Update runs §4.7 (spec.md §4.9 `update`); it does not generate or
// build, the CLI's `update --build` runs those afterwards.
func Update(ctx context.Context, env Environment, only []string, dryRun bool) ([]update.Outcome, error) {
	doc, lock, err := LoadDocument(env)
	if err != nil {
		return nil, err
	}

	onlySet := map[string]bool{}
	for _, name := range only {
		onlySet[name] = true
	}

	fetcher := newFetcher(env, lock, fetch.ModeLock)
	u := &update.Updater{
		ConfigPath: env.ConfigPath,
		Lock:       lock,
		Fetcher:    fetcher,
		Client:     http.DefaultClient,
		Log:        env.Log.WithField("stage", "update"),
	}

	return u.Run(ctx, doc, update.Options{
		Only:        onlySet,
		DryRun:      dryRun,
		GitHubToken: env.GitHubToken,
	})
}

// Delta runs §4.8 over two configuration files (spec.md §4.9
// `delta OLD NEW`).
func Delta(oldPath, newPath string) (delta.Delta, error) {
	before, err := loadRendered(oldPath)
	if err != nil {
		return delta.Delta{}, err
	}
	after, err := loadRendered(newPath)
	if err != nil {
		return delta.Delta{}, err
	}
	return delta.Compute(before, after), nil
}

func loadRendered(path string) ([]blueprint.Rendered, error) {
	dt, err := os.ReadFile(path)
	if err != nil {
		return nil, ops2err.New(ops2err.CodeIO, "delta", "", "", "", err)
	}
	doc, err := blueprint.Load(dt, envMap())
	if err != nil {
		return nil, err
	}
	return blueprint.ExpandAll(doc.Blueprints), nil
}

// Migrate rewrites a legacy configuration -- either the flat
// `fetch.sha256` form or the per-architecture `fetch.targets[arch].
// sha256` form -- into the split configuration+lockfile layout
// (spec.md §4.9 `migrate`, DESIGN.md's Open Question (c) resolution).
func Migrate(env Environment) error {
	dt, err := os.ReadFile(env.ConfigPath)
	if err != nil {
		return ops2err.New(ops2err.CodeIO, "migrate", "", "", "", err)
	}

	doc, err := blueprint.Load(dt, envMap())
	if err != nil {
		return err
	}

	lockPath := LockfilePathFor(env.ConfigPath, doc.LockfilePath)
	lock, err := lockfile.Load(lockPath)
	if err != nil {
		return err
	}

	migrated := false
	for i := range doc.Blueprints {
		b := &doc.Blueprints[i]
		if b.Fetch == nil {
			continue
		}

		if b.Fetch.LegacySHA256 != "" {
			for _, r := range blueprint.Expand(*b) {
				rc := r
				url, err := blueprint.RenderFetchURL(&rc, osGetenv)
				if err != nil {
					return err
				}
				lock.Put(url, b.Fetch.LegacySHA256)
			}
			b.Fetch.LegacySHA256 = ""
			migrated = true
		}

		if len(b.Fetch.LegacyTargetSHA256s) > 0 {
			for _, r := range blueprint.Expand(*b) {
				rc := r
				hash, ok := b.Fetch.LegacyTargetSHA256s[rc.Architecture]
				if !ok {
					continue
				}
				url, err := blueprint.RenderFetchURL(&rc, osGetenv)
				if err != nil {
					return err
				}
				lock.Put(url, hash)
			}
			b.Fetch.LegacyTargetSHA256s = nil
			migrated = true
		}
	}
	if !migrated {
		return nil
	}

	var body []byte
	if len(doc.Blueprints) == 1 {
		body, err = yaml.Marshal(doc.Blueprints[0])
	} else {
		body, err = yaml.Marshal(doc.Blueprints)
	}
	if err != nil {
		return ops2err.New(ops2err.CodeIO, "migrate", "", "", "", err)
	}

	out := append([]byte(blueprint.LeadingComments(dt)), body...)
	if err := os.WriteFile(env.ConfigPath, out, 0o644); err != nil {
		return ops2err.New(ops2err.CodeIO, "migrate", "", "", "", err)
	}
	return lock.Save()
}
