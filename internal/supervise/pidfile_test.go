package supervise

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWritePidfile(t *testing.T) {
	dir := t.TempDir()

	path, err := WritePidfile(dir, "clone")
	if err != nil {
		t.Fatalf("WritePidfile: %v", err)
	}
	if filepath.Base(path) != "clone.pid" {
		t.Errorf("pidfile path = %s", path)
	}

	// Our own live pid blocks a second writer for the same role.
	if _, err := WritePidfile(dir, "clone"); err == nil {
		t.Error("WritePidfile allowed a second holder of the same role")
	}

	// Another role coexists.
	if _, err := WritePidfile(dir, "follow"); err != nil {
		t.Errorf("WritePidfile for other role: %v", err)
	}

	RemovePidfile(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("RemovePidfile left the file behind")
	}
}

func TestWritePidfileReplacesStale(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clone.pid")
	// An unlikely-to-exist pid: stale entry from a crashed run.
	if err := os.WriteFile(path, []byte("999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := WritePidfile(dir, "clone"); err != nil {
		t.Errorf("WritePidfile did not replace stale pidfile: %v", err)
	}
}
