package fsprovider

import (
	"path"
	"strings"
)

// Resolve returns the canonical form of the joined elements: absolute, forward
// slashes only, "." and ".." resolved (never above the root), no duplicate or
// trailing separators. Resolve(Resolve(p)) == Resolve(p) for every p.
//
// A later absolute element resets the result, as in most path resolvers:
//
//	Resolve("/ws", "docs/../a.md") == "/ws/a.md"
//	Resolve("/ws", "/etc/x")       == "/etc/x"
func Resolve(elems ...string) string {
	resolved := "/"
	for _, e := range elems {
		e = strings.ReplaceAll(e, "\\", "/")
		if e == "" {
			continue
		}
		if strings.HasPrefix(e, "/") {
			resolved = e
			continue
		}
		resolved = resolved + "/" + e
	}
	// path.Clean on a rooted path never climbs above "/".
	return path.Clean("/" + resolved)
}

// Join joins elements and canonicalizes the result relative to the root.
// Unlike Resolve, absolute elements after the first do not reset the path.
func Join(elems ...string) string {
	parts := make([]string, 0, len(elems))
	for _, e := range elems {
		e = strings.ReplaceAll(e, "\\", "/")
		if e != "" {
			parts = append(parts, e)
		}
	}
	return Resolve(strings.Join(parts, "/"))
}

// Dirname returns the canonical parent of p. The parent of "/" is "/".
func Dirname(p string) string {
	return path.Dir(Resolve(p))
}

// Basename returns the last element of p, with ext trimmed when p ends in it.
// The basename of "/" is "".
func Basename(p string, ext ...string) string {
	p = Resolve(p)
	if p == "/" {
		return ""
	}
	base := path.Base(p)
	for _, x := range ext {
		if x != "" && x != base && strings.HasSuffix(base, x) {
			return strings.TrimSuffix(base, x)
		}
	}
	return base
}

// Extname returns the extension of the last element including the dot, or ""
// when there is none. Leading dots of hidden files do not count.
func Extname(p string) string {
	base := Basename(p)
	i := strings.LastIndex(base, ".")
	if i <= 0 {
		return ""
	}
	return base[i:]
}

// IsHidden reports whether the last element of p starts with a dot.
func IsHidden(p string) bool {
	return strings.HasPrefix(Basename(p), ".")
}

// IsWithin reports whether p equals dir or lies below it. Both are canonicalized.
func IsWithin(p, dir string) bool {
	p, dir = Resolve(p), Resolve(dir)
	if dir == "/" || p == dir {
		return true
	}
	return strings.HasPrefix(p, dir+"/")
}

// Depth returns the number of elements in p; the root has depth 0.
func Depth(p string) int {
	p = Resolve(p)
	if p == "/" {
		return 0
	}
	return strings.Count(p, "/")
}

// InScope reports whether p is covered by a watch on scope. An exact watch
// only covers scope itself; a directory watch covers scope's children, or every
// descendant when recursive.
func InScope(p, scope string, exact, recursive bool) bool {
	p, scope = Resolve(p), Resolve(scope)
	if exact {
		return p == scope
	}
	if p == scope || !IsWithin(p, scope) {
		return false
	}
	return recursive || Dirname(p) == scope
}
