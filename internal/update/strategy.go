// Package update implements the updater of spec.md §4.7: per blueprint,
// discover newer upstream versions via a pluggable strategy, confirm
// candidate fetch URLs resolve, recompute hashes, and rewrite the
// configuration and lockfile in place.
package update

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/go-github/v70/github"
	"golang.org/x/oauth2"

	"github.com/upciti/ops2deb-go/internal/blueprint"
	"github.com/upciti/ops2deb-go/internal/ops2err"
)

// StrategyName identifies one of the pluggable version-discovery
// strategies (spec.md §4.7 step 1; DESIGN.md's Open Question (a)
// resolution: only generic-http-head and github-releases ship with a
// built-in provider, `custom` is a named extension point).
type StrategyName string

const (
	StrategyGenericHTTPHead StrategyName = "generic-http-head"
	StrategyGitHubReleases  StrategyName = "github-releases"
	StrategyCustom          StrategyName = "custom"
)

var githubReleaseURL = regexp.MustCompile(`github\.com/([^/]+)/([^/]+)/releases/download/`)

// InferStrategy picks a strategy from the blueprint's update hint, or
// from its fetch URL pattern otherwise (spec.md §4.7 step 1).
func InferStrategy(b blueprint.Blueprint) StrategyName {
	if b.Update != nil && b.Update.Strategy != "" {
		return StrategyName(b.Update.Strategy)
	}
	if b.Fetch != nil && githubReleaseURL.MatchString(b.Fetch.URL) {
		return StrategyGitHubReleases
	}
	return StrategyGenericHTTPHead
}

// Candidate is one discovered version, newest first once sorted.
type Candidate struct {
	Version string
	Epoch   int
}

// Strategy discovers version candidates newer than current.
type Strategy interface {
	Candidates(ctx context.Context, b blueprint.Blueprint, current string) ([]Candidate, error)
}

// NewStrategy builds the Strategy named by name.
func NewStrategy(name StrategyName, githubToken string, client *http.Client) (Strategy, error) {
	switch name {
	case StrategyGitHubReleases:
		return &githubReleasesStrategy{token: githubToken}, nil
	case StrategyGenericHTTPHead:
		return &genericHTTPHeadStrategy{client: client}, nil
	default:
		return nil, ops2err.New(ops2err.CodeSchema, "update", "", "", "",
			fmt.Errorf("strategy %q has no built-in provider", name))
	}
}

// genericHTTPHeadStrategy probes the candidate version pool declared in
// `update.versions` (DESIGN.md's Open Question (a) resolution): it does
// not discover versions on its own, it orders and filters a
// blueprint-supplied pool, which keeps the strategy network-free except
// for the existence probe done later in §4.7 step 3.
type genericHTTPHeadStrategy struct {
	client *http.Client
}

func (s *genericHTTPHeadStrategy) Candidates(ctx context.Context, b blueprint.Blueprint, current string) ([]Candidate, error) {
	var pool []string
	var regex string
	if b.Update != nil {
		pool = b.Update.Versions
		regex = b.Update.Regex
	}
	return filterNewer(pool, current, b.Epoch, regex)
}

// githubReleasesStrategy lists release tags via the GitHub API
// (spec.md §4.7 step 1: "Authentication for GitHub uses
// OPS2DEB_GITHUB_TOKEN"). Grounded on the teacher's go.mod dependency
// google/go-github, adopted here since no pack repo uses it for this
// exact purpose but it is the obvious, already-vetted choice.
type githubReleasesStrategy struct {
	token string
}

func (s *githubReleasesStrategy) Candidates(ctx context.Context, b blueprint.Blueprint, current string) ([]Candidate, error) {
	owner, repo, err := ownerRepoFromURL(b.Fetch.URL)
	if err != nil {
		return nil, ops2err.New(ops2err.CodeNetwork, "update", b.Name, current, "", err)
	}

	gh := github.NewClient(s.httpClient(ctx))

	releases, _, err := gh.Repositories.ListReleases(ctx, owner, repo, &github.ListOptions{PerPage: 100})
	if err != nil {
		return nil, ops2err.New(ops2err.CodeNetwork, "update", b.Name, current, "", err)
	}

	var tags []string
	for _, r := range releases {
		if r.TagName != nil {
			tags = append(tags, strings.TrimPrefix(*r.TagName, "v"))
		}
	}

	var regex string
	if b.Update != nil {
		regex = b.Update.Regex
	}
	return filterNewer(tags, current, b.Epoch, regex)
}

// httpClient returns an OAuth2 bearer-token client when a GitHub token
// is configured (spec.md §4.7 step 1: "Authentication for GitHub uses
// OPS2DEB_GITHUB_TOKEN"), or nil for anonymous, rate-limited access.
func (s *githubReleasesStrategy) httpClient(ctx context.Context) *http.Client {
	if s.token == "" {
		return nil
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: s.token})
	return oauth2.NewClient(ctx, ts)
}

func ownerRepoFromURL(url string) (string, string, error) {
	m := githubReleaseURL.FindStringSubmatch(url)
	if m == nil {
		return "", "", fmt.Errorf("fetch URL %q does not look like a GitHub release download URL", url)
	}
	return m[1], m[2], nil
}

// filterNewer keeps versions that parse as semver and compare greater
// than current, sorted descending. When regex is non-empty, it is
// applied to each raw candidate via ApplyRegex first and the capture
// group is parsed as the version instead of the raw tag; candidates
// the regex doesn't match are skipped (spec.md §4.7 step 2: "candidate
// versions newer than the current one, under either semver ordering
// (default) or a blueprint-provided regex capture").
func filterNewer(candidates []string, current string, epoch int, regex string) ([]Candidate, error) {
	base, err := semver.NewVersion(current)
	if err != nil {
		return nil, fmt.Errorf("current version %q is not valid semver: %w", current, err)
	}

	var out []Candidate
	for _, c := range candidates {
		versionStr := c
		if regex != "" {
			extracted, ok := ApplyRegex(regex, c)
			if !ok {
				continue
			}
			versionStr = extracted
		}
		v, err := semver.NewVersion(versionStr)
		if err != nil {
			continue
		}
		if v.GreaterThan(base) {
			out = append(out, Candidate{Version: v.Original(), Epoch: epoch})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		vi, _ := semver.NewVersion(out[i].Version)
		vj, _ := semver.NewVersion(out[j].Version)
		return vi.GreaterThan(vj)
	})
	return out, nil
}

// ApplyRegex extracts the version using hint.Regex's first capture
// group, used when a blueprint supplies a custom capture pattern
// instead of relying on the raw tag/version string.
func ApplyRegex(pattern, input string) (string, bool) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(input)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// CompareEpochVersion orders two (epoch, version) pairs per DESIGN.md's
// Open Question (d) resolution: epoch dominates; version is compared
// as semver only when epochs are equal.
func CompareEpochVersion(epochA int, versionA string, epochB int, versionB string) int {
	if epochA != epochB {
		if epochA < epochB {
			return -1
		}
		return 1
	}
	va, errA := semver.NewVersion(versionA)
	vb, errB := semver.NewVersion(versionB)
	if errA != nil || errB != nil {
		return strings.Compare(versionA, versionB)
	}
	return va.Compare(vb)
}
