package utils

import (
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestSecureJoin(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("unix paths")
	}

	tests := []struct {
		name     string
		base     string
		elements []string
		want     string
		wantErr  bool
	}{
		{name: "simple", base: "/data", elements: []string{"a", "b.txt"}, want: "/data/a/b.txt"},
		{name: "base only", base: "/data", want: "/data"},
		{name: "dot segments inside", base: "/data", elements: []string{"a/./b/../c"}, want: "/data/a/c"},
		{name: "traversal", base: "/data", elements: []string{"../etc/passwd"}, wantErr: true},
		{name: "sibling prefix", base: "/data", elements: []string{"../data2/x"}, wantErr: true},
		{name: "root base", base: "/", elements: []string{"etc"}, want: "/etc"},
		{name: "empty base", base: "", elements: []string{"x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := SecureJoin(tt.base, tt.elements...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SecureJoin() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("SecureJoin() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRelativeTo(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "root")
	tests := []struct {
		target  string
		want    string
		wantErr bool
	}{
		{target: base, want: ""},
		{target: filepath.Join(base, "a"), want: "a"},
		{target: filepath.Join(base, "a", "b", "c.txt"), want: "a/b/c.txt"},
		{target: filepath.Dir(base), wantErr: true},
		{target: filepath.Join(filepath.Dir(base), "other"), wantErr: true},
	}
	for _, tt := range tests {
		got, err := RelativeTo(base, tt.target)
		if (err != nil) != tt.wantErr {
			t.Errorf("RelativeTo(%q) error = %v, wantErr %v", tt.target, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("RelativeTo(%q) = %q, want %q", tt.target, got, tt.want)
		}
	}
}

func TestKeyJoinRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix string
		rel    string
		dir    bool
		key    string
	}{
		{prefix: "", rel: "a/b.txt", key: "a/b.txt"},
		{prefix: "backup", rel: "a/b.txt", key: "backup/a/b.txt"},
		{prefix: "/backup/", rel: "/a/b.txt", key: "backup/a/b.txt"},
		{prefix: "backup", rel: "dir", dir: true, key: "backup/dir/"},
		{prefix: "backup", rel: "", dir: true, key: "backup/"},
	}
	for _, tt := range tests {
		key := KeyJoin(tt.prefix, tt.rel, tt.dir)
		if key != tt.key {
			t.Errorf("KeyJoin(%q, %q, %v) = %q, want %q", tt.prefix, tt.rel, tt.dir, key, tt.key)
		}
		back := KeyRelative(tt.prefix, key)
		if want := strings.Trim(tt.rel, "/"); back != want {
			t.Errorf("KeyRelative(%q, %q) = %q, want %q", tt.prefix, key, back, want)
		}
	}
}
