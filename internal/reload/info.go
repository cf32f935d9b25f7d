package reload

import (
	"sort"
	"strings"
)

// Reason is a bitmask of why a reload cycle was requested.
type Reason uint8

const (
	ReasonCode Reason = 1 << iota
	ReasonTracked
	ReasonExtra
	ReasonAsset
)

func (r Reason) String() string {
	var parts []string
	if r&ReasonCode != 0 {
		parts = append(parts, "code")
	}
	if r&ReasonTracked != 0 {
		parts = append(parts, "tracked-file")
	}
	if r&ReasonExtra != 0 {
		parts = append(parts, "extra-watch-file")
	}
	if r&ReasonAsset != 0 {
		parts = append(parts, "asset-refresh")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// Info describes one reload cycle: the files that triggered it and the
// union of reasons. Batches arriving while a cycle is in flight merge into
// the pending Info, so hooks observe the union.
type Info struct {
	Files   map[string]struct{}
	Reasons Reason
}

func newInfo() Info {
	return Info{Files: make(map[string]struct{})}
}

func (i *Info) add(path string, reason Reason) {
	i.Files[path] = struct{}{}
	i.Reasons |= reason
}

func (i *Info) merge(other Info) {
	for path := range other.Files {
		i.Files[path] = struct{}{}
	}
	i.Reasons |= other.Reasons
}

// Empty reports whether the info carries no hits.
func (i Info) Empty() bool {
	return len(i.Files) == 0 && i.Reasons == 0
}

// Paths returns the files sorted, for deterministic logs and journal rows.
func (i Info) Paths() []string {
	paths := make([]string, 0, len(i.Files))
	for path := range i.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
