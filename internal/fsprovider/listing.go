package fsprovider

import (
	"sort"
)

// Paginate sorts entries by path, drops hidden entries unless requested, applies
// the filter and returns the page selected by Offset and Limit. TotalCount is
// computed after filtering and before pagination.
func Paginate(entries []Entry, opts ListOptions) *Listing {
	matched := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !opts.IncludeHidden && IsHidden(e.Path) {
			continue
		}
		if opts.Filter != nil && !opts.Filter(e) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Path < matched[j].Path
	})

	total := len(matched)
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if opts.Limit > 0 && offset+opts.Limit < total {
		end = offset + opts.Limit
	}

	return &Listing{
		Entries:    matched[offset:end],
		TotalCount: total,
		HasMore:    opts.Limit > 0 && offset+opts.Limit < total,
	}
}

// DeletionOrder sorts entries so they can be removed one by one without ever
// removing a parent before its children: files first, then directories with
// the deepest paths first.
func DeletionOrder(entries []Entry) []Entry {
	ordered := append([]Entry(nil), entries...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.IsDir() != b.IsDir() {
			return !a.IsDir()
		}
		da, db := Depth(a.Path), Depth(b.Path)
		if da != db {
			return da > db
		}
		return a.Path > b.Path
	})
	return ordered
}
