package script

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLocateFindsScriptInAncestor(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	scriptPath := filepath.Join(root, "hammer")
	if err := os.WriteFile(scriptPath, []byte("#!/bin/sh\nexit 0\n"), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}

	nested := filepath.Join(root, "b", "c")
	if err := os.MkdirAll(nested, 0o750); err != nil {
		t.Fatalf("create nested dirs: %v", err)
	}

	found, err := Locate(nested, "hammer")
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if found != scriptPath {
		t.Fatalf("located path = %q, want %q", found, scriptPath)
	}
}

func TestLocateReturnsNotFoundForDisjointTree(t *testing.T) {
	t.Parallel()

	disjoint := t.TempDir()
	_, err := Locate(disjoint, "hammer-script-that-does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLocateSkipsDirectoriesWithMatchingName(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "b", "hammer"), 0o750); err != nil {
		t.Fatalf("create decoy directory: %v", err)
	}
	scriptPath := filepath.Join(root, "hammer")
	if err := os.WriteFile(scriptPath, []byte("exit 0\n"), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}

	found, err := Locate(filepath.Join(root, "b"), "hammer")
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if found != scriptPath {
		t.Fatalf("located path = %q, want %q (directory must not match)", found, scriptPath)
	}
}

func TestLocateRejectsEmptyStartDir(t *testing.T) {
	t.Parallel()

	if _, err := Locate("   ", "hammer"); err == nil {
		t.Fatal("expected error for empty start directory")
	}
}

func TestLocateDefaultsScriptName(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	scriptPath := filepath.Join(root, DefaultName)
	if err := os.WriteFile(scriptPath, []byte("exit 0\n"), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}

	found, err := Locate(root, "")
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if found != scriptPath {
		t.Fatalf("located path = %q, want %q", found, scriptPath)
	}
}
