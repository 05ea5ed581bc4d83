package engine

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBackupBeforeWriteSkipsNewFile(t *testing.T) {
	dataDir := t.TempDir()
	target := filepath.Join(t.TempDir(), "new.txt")

	if err := BackupBeforeWrite(dataDir, target); err != nil {
		t.Fatalf("unexpected error for nonexistent file: %v", err)
	}

	entries, _ := os.ReadDir(filepath.Join(dataDir, "backups"))
	if len(entries) != 0 {
		t.Fatalf("expected no backup directory for a fresh file, got %d entries", len(entries))
	}
}

func TestBackupBeforeWriteSnapshotsExistingFile(t *testing.T) {
	dataDir := t.TempDir()
	workDir := t.TempDir()
	target := filepath.Join(workDir, "existing.txt")

	if err := os.WriteFile(target, []byte("original contents"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := BackupBeforeWrite(dataDir, target); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	absPath, _ := filepath.Abs(target)
	dir := backupDirFor(dataDir, absPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("expected backup directory to exist: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected one .bak and one .meta.json, got %d entries", len(entries))
	}

	var bakFound bool
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".bak" {
			bakFound = true
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != "original contents" {
				t.Fatalf("backup content mismatch: %q", data)
			}
		}
	}
	if !bakFound {
		t.Fatal("expected a .bak file in the backup directory")
	}
}

func TestBackupBeforeWriteRotatesOldBackups(t *testing.T) {
	dataDir := t.TempDir()
	workDir := t.TempDir()
	target := filepath.Join(workDir, "rotated.txt")

	for i := 0; i < defaultBackupRetention+3; i++ {
		content := []byte{byte('a' + i)}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			t.Fatal(err)
		}
		if err := BackupBeforeWrite(dataDir, target); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}

	absPath, _ := filepath.Abs(target)
	dir := backupDirFor(dataDir, absPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	bakCount := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".bak" {
			bakCount++
		}
	}
	if bakCount != defaultBackupRetention {
		t.Fatalf("expected rotation to keep %d backups, got %d", defaultBackupRetention, bakCount)
	}
}

func TestBackupBeforeWriteNoopWithoutDataDir(t *testing.T) {
	workDir := t.TempDir()
	target := filepath.Join(workDir, "f.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := BackupBeforeWrite("", target); err != nil {
		t.Fatalf("expected no-op with empty dataDir, got %v", err)
	}
}
