// backup.go implements the backup-rotate-atomic-rename protocol 
// requires for workspace file mutations: before write_file or edit_file
// overwrites an existing file, a copy of its prior contents is written to
// backups/<sha256(absPath)>/<ISO-timestamp>.bak alongside a sibling
// .meta.json describing {original_path, timestamp, size, sha256_before},
// and only the newest N backups per path are kept.
//
// Grounded on session_persistence.go's Rotate method (same
// backup-then-truncate idea, generalized from one hardcoded JSONL path to
// any workspace file) and internal/atomicfile for the durable write itself.
package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/visorcraft/idlehands/internal/atomicfile"
)

// defaultBackupRetention is the number of backups kept per path.
const defaultBackupRetention = 5

// BackupMeta describes one backup's provenance.
type BackupMeta struct {
	OriginalPath string `json:"original_path"`
	Timestamp    string `json:"timestamp"`
	Size         int64  `json:"size"`
	SHA256Before string `json:"sha256_before"`
}

// backupDirFor returns backups/<sha256(absPath)> under dataDir.
func backupDirFor(dataDir, absPath string) string {
	sum := sha256.Sum256([]byte(absPath))
	return filepath.Join(dataDir, "backups", hex.EncodeToString(sum[:]))
}

// BackupBeforeWrite snapshots the current contents of path into the
// dataDir-rooted backup store before a tool overwrites it, then rotates
// older backups for that path down to defaultBackupRetention. If path does
// not yet exist (a fresh file), this is a no-op — there is nothing to
// preserve.
func BackupBeforeWrite(dataDir, path string) error {
	if dataDir == "" {
		return nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("backup: resolving absolute path: %w", err)
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("backup: reading %s: %w", absPath, err)
	}

	dir := backupDirFor(dataDir, absPath)
	ts := time.Now().UTC().Format("20060102T150405.000000000Z")
	bakPath := filepath.Join(dir, ts+".bak")
	metaPath := filepath.Join(dir, ts+".meta.json")

	sum := sha256.Sum256(content)
	meta := BackupMeta{
		OriginalPath: absPath,
		Timestamp:    ts,
		Size:         int64(len(content)),
		SHA256Before: hex.EncodeToString(sum[:]),
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("backup: marshaling metadata: %w", err)
	}

	if err := atomicfile.Write(bakPath, content, 0o644); err != nil {
		return fmt.Errorf("backup: writing snapshot: %w", err)
	}
	if err := atomicfile.Write(metaPath, metaJSON, 0o644); err != nil {
		return fmt.Errorf("backup: writing metadata: %w", err)
	}

	return rotateBackups(dir, defaultBackupRetention)
}

// rotateBackups keeps only the newest keep .bak/.meta.json pairs in dir,
// ordered by filename (ISO timestamps sort lexicographically).
func rotateBackups(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("backup: listing %s: %w", dir, err)
	}

	var stems []string
	for _, e := range entries {
		name := e.Name()
		if len(name) > 4 && name[len(name)-4:] == ".bak" {
			stems = append(stems, name[:len(name)-4])
		}
	}
	sort.Strings(stems)

	if len(stems) <= keep {
		return nil
	}
	for _, stem := range stems[:len(stems)-keep] {
		os.Remove(filepath.Join(dir, stem+".bak"))
		os.Remove(filepath.Join(dir, stem+".meta.json"))
	}
	return nil
}
