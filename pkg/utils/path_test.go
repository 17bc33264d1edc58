package utils

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateDir(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		path        string
		wantErr     bool
		errContains string
	}{
		{name: "relative", path: "files/staging"},
		{name: "absolute", path: "/var/lib/vault"},
		{name: "trailing slash", path: "/var/lib/vault/"},
		{name: "empty", path: "", wantErr: true, errContains: "empty"},
		{name: "blank", path: "   ", wantErr: true, errContains: "empty"},
		{name: "root", path: "/", wantErr: true, errContains: "root"},
		{name: "root via dots", path: "/tmp/..", wantErr: true, errContains: "root"},
		{name: "nul", path: "a\x00b", wantErr: true, errContains: "NUL"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateDir(tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ValidateDir(%q) expected error", tt.path)
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateDir(%q) unexpected error: %v", tt.path, err)
			}
		})
	}
}

func TestSecureJoin(t *testing.T) {
	t.Parallel()

	base := filepath.Join("var", "staging")

	tests := []struct {
		name     string
		elements []string
		want     string
		wantErr  bool
	}{
		{name: "namespace and id", elements: []string{"session-1", "abc"}, want: filepath.Join(base, "session-1", "abc")},
		{name: "dotted name", elements: []string{"v1.2"}, want: filepath.Join(base, "v1.2")},
		{name: "no elements", elements: nil, want: base},
		{name: "parent", elements: []string{".."}, wantErr: true},
		{name: "dot", elements: []string{"."}, wantErr: true},
		{name: "empty element", elements: []string{"a", ""}, wantErr: true},
		{name: "slash", elements: []string{"a/b"}, wantErr: true},
		{name: "backslash", elements: []string{`a\..\b`}, wantErr: true},
		{name: "traversal id", elements: []string{"ns", "../../etc/passwd"}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := SecureJoin(base, tt.elements...)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("SecureJoin(%v) = %q, expected error", tt.elements, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("SecureJoin(%v) unexpected error: %v", tt.elements, err)
			}
			if got != tt.want {
				t.Errorf("SecureJoin(%v) = %q, want %q", tt.elements, got, tt.want)
			}
		})
	}

	if _, err := SecureJoin("", "a"); err == nil {
		t.Error("expected error for empty base")
	}
}
