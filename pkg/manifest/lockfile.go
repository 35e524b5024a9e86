// Package manifest validates npm-style package-lock documents and
// explodes them into the unique package set a request references.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrManifestRejected marks a manifest the pipeline refuses to
// process: not JSON, no packages map, or a lockfile format older than
// version 3. The whole request fails; no packages are created.
var ErrManifestRejected = errors.New("manifest rejected")

// MinLockfileVersion is the oldest supported lockfile format.
const MinLockfileVersion = 3

// Lockfile is the subset of a package-lock document the pipeline
// reads.
type Lockfile struct {
	Name            string  `json:"name"`
	Version         string  `json:"version"`
	LockfileVersion int     `json:"lockfileVersion"`
	Packages        []Entry `json:"-"`
}

// Entry is one entry of the lockfile's packages map, in document
// order. Path is the map key ("" for the root entry).
type Entry struct {
	Path      string `json:"-"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Resolved  string `json:"resolved"`
	Integrity string `json:"integrity"`
	License   string `json:"license"`
	Link      bool   `json:"link"`
}

// ParseLockfile decodes and validates a raw manifest blob. Structural
// problems return ErrManifestRejected (wrapped with detail).
func ParseLockfile(raw []byte) (*Lockfile, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var lock Lockfile
	if err := json.Unmarshal(raw, &lock); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestRejected, err)
	}
	if lock.LockfileVersion < MinLockfileVersion {
		return nil, fmt.Errorf("%w: lockfileVersion %d is older than the supported minimum %d",
			ErrManifestRejected, lock.LockfileVersion, MinLockfileVersion)
	}

	entries, err := decodePackages(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestRejected, err)
	}
	lock.Packages = entries
	return &lock, nil
}

// decodePackages walks the packages map with a token decoder so that
// document order survives: dedup keeps the first occurrence of each
// name@version, which encoding/json's map type would randomize.
func decodePackages(raw []byte) ([]Entry, error) {
	var doc struct {
		Packages json.RawMessage `json:"packages"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if len(doc.Packages) == 0 {
		return nil, errors.New("missing packages map")
	}

	dec := json.NewDecoder(bytes.NewReader(doc.Packages))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("packages is not an object")
	}

	var entries []Entry
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		path, ok := keyTok.(string)
		if !ok {
			return nil, errors.New("malformed packages map key")
		}
		var entry Entry
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("malformed entry %q: %v", path, err)
		}
		entry.Path = path
		entries = append(entries, entry)
	}
	return entries, nil
}

// InferName resolves the package name for an entry: an explicit name
// field wins, otherwise the segment(s) after the last node_modules/
// in the path, honoring @scope/name pairs.
func InferName(e Entry) string {
	if e.Name != "" {
		return e.Name
	}
	const marker = "node_modules/"
	idx := strings.LastIndex(e.Path, marker)
	if idx < 0 {
		return ""
	}
	rest := e.Path[idx+len(marker):]
	if rest == "" {
		return ""
	}
	segments := strings.Split(rest, "/")
	if strings.HasPrefix(segments[0], "@") {
		if len(segments) < 2 || segments[1] == "" {
			return ""
		}
		return segments[0] + "/" + segments[1]
	}
	return segments[0]
}
