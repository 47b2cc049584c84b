package release

import (
	"fmt"
	"sort"
	"time"
)

// History is the ordered set of releases recorded under one tracking name.
//
// Release numbers are unique and strictly increasing. At most one release is in
// progress; InProgress holds its number. StartNewRelease is the only way to open a
// release and it closes any stale in-progress release first.
type History struct {
	Releases   []*Release `json:"releases,omitempty"`
	InProgress *int       `json:"inProgress,omitempty"`
}

// IsEmpty reports whether no release was ever recorded.
func (h *History) IsEmpty() bool {
	return h == nil || len(h.Releases) == 0
}

// LatestRelease returns the release with the highest number, or nil.
func (h *History) LatestRelease() *Release {
	if h.IsEmpty() {
		return nil
	}
	latest := h.Releases[0]
	for _, r := range h.Releases[1:] {
		if r.Number > latest.Number {
			latest = r
		}
	}
	return latest
}

// Release returns the release numbered n, or nil.
func (h *History) Release(n int) *Release {
	if h == nil {
		return nil
	}
	for _, r := range h.Releases {
		if r.Number == n {
			return r
		}
	}
	return nil
}

// PreviousRollbackEligibleRelease returns the highest-numbered release below n that is not in progress.
func (h *History) PreviousRollbackEligibleRelease(n int) *Release {
	return h.highestBelow(n, func(r *Release) bool { return r.RollbackEligible() })
}

// LastSuccessfulRelease returns the highest-numbered succeeded release below n.
func (h *History) LastSuccessfulRelease(n int) *Release {
	return h.highestBelow(n, func(r *Release) bool { return r.Status == StatusSucceeded })
}

// LatestReleaseWithColor returns the highest-numbered release deployed to color.
func (h *History) LatestReleaseWithColor(color string) *Release {
	if h == nil {
		return nil
	}
	var found *Release
	for _, r := range h.Releases {
		if r.Color == color && (found == nil || r.Number > found.Number) {
			found = r
		}
	}
	return found
}

func (h *History) highestBelow(n int, match func(*Release) bool) *Release {
	if h == nil {
		return nil
	}
	var found *Release
	for _, r := range h.Releases {
		if r.Number >= n || !match(r) {
			continue
		}
		if found == nil || r.Number > found.Number {
			found = r
		}
	}
	return found
}

// StartNewRelease closes every release still in progress as Failed, then opens a new
// in-progress release numbered one above the latest. It returns the new release and the
// numbers of the releases it closed. The caller persists the history afterwards.
func (h *History) StartNewRelease(now time.Time) (*Release, []int) {
	var closed []int
	for _, r := range h.Releases {
		if r.Status == StatusInProgress {
			r.Status = StatusFailed
			t := now
			r.FinishedAt = &t
			closed = append(closed, r.Number)
		}
	}

	number := 0
	if latest := h.LatestRelease(); latest != nil {
		number = latest.Number + 1
	}

	rel := &Release{
		Number:    number,
		Status:    StatusInProgress,
		StartedAt: now,
	}
	h.Releases = append(h.Releases, rel)
	h.InProgress = &number
	return rel, closed
}

// FinishRelease records the terminal status of release n and clears the in-progress marker.
func (h *History) FinishRelease(n int, status Status, now time.Time) error {
	if status == StatusInProgress {
		return fmt.Errorf("release %d cannot be finished as %s", n, status)
	}
	r := h.Release(n)
	if r == nil {
		return fmt.Errorf("release %d not found", n)
	}
	r.Status = status
	t := now
	r.FinishedAt = &t
	if h.InProgress != nil && *h.InProgress == n {
		h.InProgress = nil
	}
	return nil
}

// CurrentRelease returns the release marked in progress, or nil.
func (h *History) CurrentRelease() *Release {
	if h == nil || h.InProgress == nil {
		return nil
	}
	return h.Release(*h.InProgress)
}

// RemoveReleases deletes every release matching pred and returns the removed releases.
// The in-progress release is never removed.
func (h *History) RemoveReleases(pred func(*Release) bool) []*Release {
	if h == nil {
		return nil
	}
	var kept, removed []*Release
	for _, r := range h.Releases {
		inProgress := h.InProgress != nil && *h.InProgress == r.Number
		if !inProgress && pred(r) {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	h.Releases = kept
	return removed
}

// ReleaseList returns the releases in storage order.
func (h *History) ReleaseList() []*Release {
	if h == nil {
		return nil
	}
	return h.Releases
}

// Sorted returns the releases ordered by number, ascending.
func (h *History) Sorted() []*Release {
	if h == nil {
		return nil
	}
	out := append([]*Release(nil), h.Releases...)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Clone returns a deep copy of the history.
func (h *History) Clone() *History {
	if h == nil {
		return &History{}
	}
	out := &History{Releases: make([]*Release, 0, len(h.Releases))}
	for _, r := range h.Releases {
		out.Releases = append(out.Releases, r.DeepCopy())
	}
	if h.InProgress != nil {
		n := *h.InProgress
		out.InProgress = &n
	}
	return out
}
