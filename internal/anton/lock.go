package anton

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/visorcraft/idlehands/internal/atomicfile"
)

// LockState is the JSON shape persisted to anton.lock:
// {pid, startedAt, heartbeatAt, cwd, taskFile}.
type LockState struct {
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"startedAt"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
	Cwd         string    `json:"cwd"`
	TaskFile    string    `json:"taskFile"`
}

// StaleAfter is the default heartbeat staleness window: a lock older than
// this is reclaimable even if its PID is still alive
// "heartbeat ≤2 minutes old" rule.
const StaleAfter = 2 * time.Minute

// Lock guards a single Anton run over a task file with a PID-tagged,
// heartbeating lockfile — grounded on
// pkg/idlehands/engine/daemon_manager.go's health-check loop pattern,
// generalized from "is the daemon running" to "is an Anton run already in
// progress over this task file".
type Lock struct {
	path string
	stop chan struct{}
	done chan struct{}
}

// Acquire attempts to take the lock at path. If an existing lock is
// present, it is reclaimed when either its PID is no longer alive or its
// heartbeat is older than StaleAfter; otherwise Acquire refuses with a
// human-readable error, matching its "refuse with a human
// message" requirement.
func Acquire(path, cwd, taskFile string) (*Lock, error) {
	if existing, err := readLockState(path); err == nil {
		if pidAlive(existing.PID) && time.Since(existing.HeartbeatAt) <= StaleAfter {
			return nil, fmt.Errorf(
				"anton: another run (pid %d) holds the lock for %q, last heartbeat %s ago",
				existing.PID, taskFile, time.Since(existing.HeartbeatAt).Round(time.Second),
			)
		}
		// Stale or dead: reclaim by overwriting below.
	}

	state := LockState{
		PID:         os.Getpid(),
		StartedAt:   time.Now(),
		HeartbeatAt: time.Now(),
		Cwd:         cwd,
		TaskFile:    taskFile,
	}
	if err := writeLockState(path, state); err != nil {
		return nil, err
	}

	l := &Lock{path: path, stop: make(chan struct{}), done: make(chan struct{})}
	go l.heartbeatLoop(cwd, taskFile)
	return l, nil
}

// heartbeatLoop refreshes the lock's heartbeat at least once a minute,
// "Heartbeat every ≤1 minute".
func (l *Lock) heartbeatLoop(cwd, taskFile string) {
	defer close(l.done)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			_ = writeLockState(l.path, LockState{
				PID:         os.Getpid(),
				StartedAt:   time.Now(),
				HeartbeatAt: time.Now(),
				Cwd:         cwd,
				TaskFile:    taskFile,
			})
		}
	}
}

// Release stops the heartbeat loop and removes the lockfile.
func (l *Lock) Release() error {
	close(l.stop)
	<-l.done
	err := os.Remove(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func readLockState(path string) (LockState, error) {
	var s LockState
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, err
	}
	return s, nil
}

func writeLockState(path string, state LockState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.Write(path, data, 0o644)
}

