package xdg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDirsHonorEnvironment(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(base, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(base, "state"))

	tests := []struct {
		name string
		fn   func() (string, error)
		want string
	}{
		{"config", ConfigDir, filepath.Join(base, "config", "cellrun")},
		{"state", StateDir, filepath.Join(base, "state", "cellrun")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("dir = %q, want %q", got, tt.want)
			}
			info, err := os.Stat(got)
			if err != nil {
				t.Fatalf("dir not created: %v", err)
			}
			if info.Mode().Perm() != 0o700 {
				t.Errorf("perm = %v, want 0700", info.Mode().Perm())
			}
		})
	}
}
