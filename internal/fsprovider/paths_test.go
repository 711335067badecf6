package fsprovider

import (
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name  string
		elems []string
		want  string
	}{
		{name: "root", elems: []string{"/"}, want: "/"},
		{name: "empty", elems: nil, want: "/"},
		{name: "relative becomes absolute", elems: []string{"a.txt"}, want: "/a.txt"},
		{name: "duplicate separators", elems: []string{"//ws///docs//a.md"}, want: "/ws/docs/a.md"},
		{name: "dot segments", elems: []string{"/ws/./docs/../a.md"}, want: "/ws/a.md"},
		{name: "no climbing above root", elems: []string{"/../../etc"}, want: "/etc"},
		{name: "trailing slash", elems: []string{"/ws/docs/"}, want: "/ws/docs"},
		{name: "backslashes", elems: []string{`\ws\docs\a.md`}, want: "/ws/docs/a.md"},
		{name: "joined relative", elems: []string{"/ws", "docs/../a.md"}, want: "/ws/a.md"},
		{name: "absolute resets", elems: []string{"/ws", "/etc/x"}, want: "/etc/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.elems...)
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.elems, got, tt.want)
			}
		})
	}
}

func TestResolve_Idempotent(t *testing.T) {
	inputs := []string{
		"", "/", ".", "..", "a", "/a/b/../c", "a//b/./c/", `C:\x\y`, "/.hidden/./x", "../../x/../y",
	}
	for _, in := range inputs {
		once := Resolve(in)
		twice := Resolve(once)
		if once != twice {
			t.Errorf("Resolve not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestJoin(t *testing.T) {
	if got := Join("/ws", "/docs", "a.md"); got != "/ws/docs/a.md" {
		t.Errorf("Join = %q, want /ws/docs/a.md", got)
	}
	if got := Join("ws", "", "a.md"); got != "/ws/a.md" {
		t.Errorf("Join = %q, want /ws/a.md", got)
	}
}

func TestDirnameBasenameExtname(t *testing.T) {
	tests := []struct {
		path  string
		dir   string
		base  string
		ext   string
		noExt string
	}{
		{path: "/ws/docs/a.md", dir: "/ws/docs", base: "a.md", ext: ".md", noExt: "a"},
		{path: "/a.tar.gz", dir: "/", base: "a.tar.gz", ext: ".gz", noExt: "a.tar"},
		{path: "/ws/.hidden", dir: "/ws", base: ".hidden", ext: "", noExt: ".hidden"},
		{path: "/README", dir: "/", base: "README", ext: "", noExt: "README"},
		{path: "/", dir: "/", base: "", ext: "", noExt: ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := Dirname(tt.path); got != tt.dir {
				t.Errorf("Dirname = %q, want %q", got, tt.dir)
			}
			if got := Basename(tt.path); got != tt.base {
				t.Errorf("Basename = %q, want %q", got, tt.base)
			}
			if got := Extname(tt.path); got != tt.ext {
				t.Errorf("Extname = %q, want %q", got, tt.ext)
			}
			if got := Basename(tt.path, Extname(tt.path)); got != tt.noExt {
				t.Errorf("Basename(ext) = %q, want %q", got, tt.noExt)
			}
		})
	}
}

func TestIsWithin(t *testing.T) {
	tests := []struct {
		path, dir string
		want      bool
	}{
		{"/ws/a.md", "/ws", true},
		{"/ws", "/ws", true},
		{"/wsx/a.md", "/ws", false},
		{"/anything", "/", true},
		{"/ws", "/ws/docs", false},
	}
	for _, tt := range tests {
		if got := IsWithin(tt.path, tt.dir); got != tt.want {
			t.Errorf("IsWithin(%q, %q) = %v, want %v", tt.path, tt.dir, got, tt.want)
		}
	}
}

func TestPaginate(t *testing.T) {
	entries := []Entry{
		{Path: "/d/c.txt", Type: TypeFile},
		{Path: "/d/a.txt", Type: TypeFile},
		{Path: "/d/.hidden", Type: TypeFile},
		{Path: "/d/b.md", Type: TypeFile},
		{Path: "/d/sub", Type: TypeDirectory},
	}

	page := Paginate(entries, ListOptions{Offset: 1, Limit: 2})
	if page.TotalCount != 4 {
		t.Errorf("TotalCount = %d, want 4", page.TotalCount)
	}
	if !page.HasMore {
		t.Error("HasMore should be true when offset+limit < total")
	}
	if len(page.Entries) != 2 || page.Entries[0].Path != "/d/b.md" || page.Entries[1].Path != "/d/c.txt" {
		t.Errorf("unexpected page: %+v", page.Entries)
	}

	last := Paginate(entries, ListOptions{Offset: 2, Limit: 2})
	if last.HasMore {
		t.Error("HasMore should be false on the last page")
	}

	hidden := Paginate(entries, ListOptions{IncludeHidden: true})
	if hidden.TotalCount != 5 {
		t.Errorf("TotalCount with hidden = %d, want 5", hidden.TotalCount)
	}

	filtered := Paginate(entries, ListOptions{Filter: func(e Entry) bool { return Extname(e.Path) == ".txt" }})
	if filtered.TotalCount != 2 {
		t.Errorf("filtered TotalCount = %d, want 2", filtered.TotalCount)
	}
}

func TestDeletionOrder(t *testing.T) {
	entries := []Entry{
		{Path: "/d", Type: TypeDirectory},
		{Path: "/d/sub", Type: TypeDirectory},
		{Path: "/d/sub/deep", Type: TypeDirectory},
		{Path: "/d/a.txt", Type: TypeFile},
		{Path: "/d/sub/deep/b.txt", Type: TypeFile},
	}

	ordered := DeletionOrder(entries)

	seenDir := false
	for i, e := range ordered {
		if e.IsDir() {
			seenDir = true
		} else if seenDir {
			t.Fatalf("file %s ordered after a directory", e.Path)
		}
		for _, later := range ordered[i+1:] {
			if later.IsDir() && e.IsDir() && !IsWithin(e.Path, later.Path) && IsWithin(later.Path, e.Path) {
				t.Fatalf("directory %s removed before its child %s", e.Path, later.Path)
			}
		}
	}
	if ordered[len(ordered)-1].Path != "/d" {
		t.Errorf("last removed = %s, want /d", ordered[len(ordered)-1].Path)
	}
}
