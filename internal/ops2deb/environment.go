// Package ops2deb is the orchestrator of spec.md §4.9: it sequences the
// template/blueprint/lockfile/fetch/gen/build/update/delta components
// into the user-visible subcommands.
package ops2deb

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Environment is the explicit configuration value threaded through
// every component instead of package-level globals (spec.md §9:
// "Global mutable state... becomes an explicit environment value").
type Environment struct {
	ConfigPath  string
	CacheDir    string
	OutputDir   string
	GitHubToken string
	Verbose     bool

	Log *logrus.Logger
}

const (
	defaultCacheDir  = "/tmp/ops2deb_cache"
	defaultOutputDir = "./output"
	defaultConfig    = "ops2deb.yml"
)

// LoadEnvironment reads OPS2DEB_* environment variables (spec.md §6)
// into an Environment, applying flag overrides where non-empty.
func LoadEnvironment(configFlag, outputFlag string) Environment {
	log := logrus.New()

	cacheDir := getenvOr("OPS2DEB_CACHE_DIR", defaultCacheDir)
	outputDir := getenvOr("OPS2DEB_OUTPUT_DIR", defaultOutputDir)
	verbose := os.Getenv("OPS2DEB_VERBOSE") == "1"
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	config := configFlag
	if config == "" {
		config = defaultConfig
	}
	if outputFlag != "" {
		outputDir = outputFlag
	}

	absCache, err := filepath.Abs(cacheDir)
	if err == nil {
		cacheDir = absCache
	}

	return Environment{
		ConfigPath:  config,
		CacheDir:    cacheDir,
		OutputDir:   outputDir,
		GitHubToken: os.Getenv("OPS2DEB_GITHUB_TOKEN"),
		Verbose:     verbose,
		Log:         log,
	}
}

func getenvOr(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return fallback
}

// LockfilePathFor resolves the configuration's lockfile path: the
// "# lockfile=PATH" directive if present (resolved relative to the
// configuration file's directory when not absolute), otherwise
// "ops2deb.lock.yml" sibling to the configuration (spec.md §4.2).
func LockfilePathFor(configPath, directive string) string {
	dir := filepath.Dir(configPath)
	if directive == "" {
		return filepath.Join(dir, "ops2deb.lock.yml")
	}
	if filepath.IsAbs(directive) {
		return directive
	}
	return filepath.Join(dir, directive)
}
