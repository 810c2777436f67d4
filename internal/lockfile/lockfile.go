// Package lockfile implements the URL->{sha256,timestamp} store
// described in spec.md §4.3 and §6: a YAML mapping, sorted keys,
// atomic on-disk rewrite, one exclusive in-process mutex.
//
// Hash values are modeled with opencontainers/go-digest (the teacher's
// go.mod dependency, used in Azure/dalec's source_http.go for the same
// "content hash of an upstream artifact" concern) even though the
// on-disk form is the bare 64-hex string spec.md specifies.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	digest "github.com/opencontainers/go-digest"

	"github.com/upciti/ops2deb-go/internal/ops2err"
)

// Entry is one lockfile record.
type Entry struct {
	SHA256    string    `yaml:"sha256"`
	Timestamp time.Time `yaml:"timestamp"`
}

// Digest returns the entry's hash as an opencontainers digest value.
func (e Entry) Digest() digest.Digest {
	return digest.NewDigestFromEncoded(digest.SHA256, e.SHA256)
}

// Lockfile is a mutex-guarded URL->Entry map with atomic persistence.
type Lockfile struct {
	path string

	mu      sync.Mutex
	entries map[string]Entry
	dirty   bool
}

// Load reads path if it exists, or returns an empty Lockfile bound to
// path otherwise (creating the lockfile is deferred to the first Save).
func Load(path string) (*Lockfile, error) {
	lf := &Lockfile{path: path, entries: map[string]Entry{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return lf, nil
		}
		return nil, ops2err.New(ops2err.CodeIO, "lockfile", "", "", "", err)
	}

	if err := yaml.Unmarshal(data, &lf.entries); err != nil {
		return nil, ops2err.New(ops2err.CodeParse, "lockfile", "", "", "", err)
	}
	if lf.entries == nil {
		lf.entries = map[string]Entry{}
	}
	return lf, nil
}

// Get returns the entry for url, if any.
func (lf *Lockfile) Get(url string) (Entry, bool) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	e, ok := lf.entries[url]
	return e, ok
}

// Put records sha256 for url with the current time, serialized behind
// the lockfile's single exclusive mutex (spec.md §4.3).
func (lf *Lockfile) Put(url, sha256 string) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	lf.entries[url] = Entry{SHA256: sha256, Timestamp: time.Now().UTC()}
	lf.dirty = true
}

// Remove deletes the entry for url, if present.
func (lf *Lockfile) Remove(url string) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if _, ok := lf.entries[url]; ok {
		delete(lf.entries, url)
		lf.dirty = true
	}
}

// Keys returns every URL currently recorded, sorted.
func (lf *Lockfile) Keys() []string {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	keys := make([]string, 0, len(lf.entries))
	for k := range lf.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RemoveExcept deletes every entry whose URL is not in keep, returning
// how many were removed. Used by the updater to drop stale URLs
// (spec.md §4.7.4).
func (lf *Lockfile) RemoveExcept(keep map[string]bool) int {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	n := 0
	for url := range lf.entries {
		if !keep[url] {
			delete(lf.entries, url)
			n++
		}
	}
	if n > 0 {
		lf.dirty = true
	}
	return n
}

// Save persists the lockfile atomically: write to a sibling temp file,
// fsync, then rename over the destination (spec.md §4.3, §8 property 4).
func (lf *Lockfile) Save() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.saveLocked()
}

func (lf *Lockfile) saveLocked() error {
	keys := make([]string, 0, len(lf.entries))
	for k := range lf.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Marshal through an ordered slice of key/value pairs so the
	// on-disk mapping is key-sorted as spec.md §6 requires, since plain
	// map marshaling order is not guaranteed to match sort.Strings.
	var b []byte
	for _, k := range keys {
		e := lf.entries[k]
		line, err := yaml.Marshal(map[string]Entry{k: e})
		if err != nil {
			return ops2err.New(ops2err.CodeIO, "lockfile", "", "", "", err)
		}
		b = append(b, line...)
	}
	if len(b) == 0 {
		b = []byte("{}\n")
	}

	dir := filepath.Dir(lf.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ops2err.New(ops2err.CodeIO, "lockfile", "", "", "", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(lf.path)+".tmp-*")
	if err != nil {
		return ops2err.New(ops2err.CodeIO, "lockfile", "", "", "", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return ops2err.New(ops2err.CodeIO, "lockfile", "", "", "", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return ops2err.New(ops2err.CodeIO, "lockfile", "", "", "", err)
	}
	if err := tmp.Close(); err != nil {
		return ops2err.New(ops2err.CodeIO, "lockfile", "", "", "", err)
	}
	if err := os.Rename(tmpPath, lf.path); err != nil {
		return ops2err.New(ops2err.CodeIO, "lockfile", "", "", "", fmt.Errorf("renaming lockfile into place: %w", err))
	}

	lf.dirty = false
	return nil
}

// Path returns the on-disk path this lockfile will save to.
func (lf *Lockfile) Path() string { return lf.path }
