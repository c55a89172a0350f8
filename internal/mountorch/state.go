// Package mountorch implements spec §4.6's Mount Orchestrator state machine
// and spec §4.9's Runtime State: the table of live mounts persisted at
// /run/stratum/state, and the recipes (writable worktree, read-only
// tag/commit) that compose lower/upper/work layers before invoking the
// union mount.
package mountorch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/stratumfs/stratum/internal/lockmgr"
	"github.com/stratumfs/stratum/internal/stratumerr"
)

// State is one mountpoint's position in the Unmounted → Mounting →
// Mounted{RO|RW} → Unmounting → Unmounted lifecycle (spec §4.6). Stratum is
// a short-lived CLI process, so State is only ever observed transiently
// within a single operation — RuntimeState.Records is the durable,
// cross-process view of what is actually mounted.
type State int

const (
	Unmounted State = iota
	Mounting
	MountedRO
	MountedRW
	Unmounting
)

func (s State) String() string {
	switch s {
	case Mounting:
		return "Mounting"
	case MountedRO:
		return "MountedRO"
	case MountedRW:
		return "MountedRW"
	case Unmounting:
		return "Unmounting"
	default:
		return "Unmounted"
	}
}

// MountRecord is one entry in the runtime state table (spec §3 "Runtime
// Mount Record").
type MountRecord struct {
	Mountpoint string    `toml:"mountpoint"`
	Ref        string    `toml:"ref"`
	Writable   bool      `toml:"writable"`
	Label      string    `toml:"label,omitempty"`
	Worktree   string    `toml:"worktree,omitempty"`
	Pid        int       `toml:"pid"`
	Timestamp  time.Time `toml:"timestamp"`
}

type stateFile struct {
	Mount []MountRecord `toml:"mount"`
}

// RuntimeState guards /run/stratum/state under the state lock spec §4.3
// names, providing the total order on mount-table mutations spec §4.6's
// "Ordering guarantees" requires.
type RuntimeState struct {
	path         string
	locks        *lockmgr.Manager
	lockDeadline time.Duration
}

// NewRuntimeState returns a RuntimeState backed by the file at path.
func NewRuntimeState(path string, locks *lockmgr.Manager, lockDeadline time.Duration) *RuntimeState {
	return &RuntimeState{path: path, locks: locks, lockDeadline: lockDeadline}
}

// lockPath is a sentinel distinct from the state data file itself. save
// replaces the data file by rename; flock-ing the data path directly would
// let a lock holder's already-open fd keep referencing the unlinked inode
// after a concurrent writer's rename, silently losing mutual exclusion. A
// dedicated lock file is never replaced, only ever flock'd.
func (s *RuntimeState) lockPath() string {
	return s.path + ".lock"
}

func (s *RuntimeState) load() ([]MountRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, stratumerr.Wrap(stratumerr.IoError, "mountorch.load", err)
	}
	var sf stateFile
	if err := toml.Unmarshal(data, &sf); err != nil {
		return nil, stratumerr.Wrap(stratumerr.IoError, "mountorch.load", err)
	}
	return sf.Mount, nil
}

func (s *RuntimeState) save(records []MountRecord) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "mountorch.save", err)
	}
	data, err := toml.Marshal(stateFile{Mount: records})
	if err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "mountorch.save", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "mountorch.save", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return stratumerr.Wrap(stratumerr.IoError, "mountorch.save", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return stratumerr.Wrap(stratumerr.IoError, "mountorch.save", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return stratumerr.Wrap(stratumerr.IoError, "mountorch.save", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return stratumerr.Wrap(stratumerr.IoError, "mountorch.save", err)
	}
	return nil
}

// Register appends rec to the state table under the exclusive state lock,
// rejecting a collision on the same mountpoint (AlreadyExists, unless
// force) and a second live mount on the same worktree (WorktreeBusy,
// invariant I4).
func (s *RuntimeState) Register(ctx context.Context, rec MountRecord, force bool) error {
	return s.locks.WithExclusive(ctx, s.lockPath(), s.lockDeadline, func() error {
		records, err := s.load()
		if err != nil {
			return err
		}
		kept := records[:0:0]
		for _, r := range records {
			if r.Mountpoint == rec.Mountpoint {
				if !force {
					return stratumerr.New(stratumerr.AlreadyExists, "mountorch.Register", rec.Mountpoint)
				}
				continue // force: drop the stale record for this mountpoint
			}
			if rec.Worktree != "" && r.Label == rec.Label && r.Worktree == rec.Worktree {
				return stratumerr.New(stratumerr.WorktreeBusy, "mountorch.Register", rec.Label+"+"+rec.Worktree)
			}
			kept = append(kept, r)
		}
		kept = append(kept, rec)
		return s.save(kept)
	})
}

// Deregister removes the record for mountpoint, failing with NotManaged if
// none exists (spec §4.6 unmount contract).
func (s *RuntimeState) Deregister(ctx context.Context, mountpoint string) error {
	return s.locks.WithExclusive(ctx, s.lockPath(), s.lockDeadline, func() error {
		records, err := s.load()
		if err != nil {
			return err
		}
		kept := records[:0:0]
		found := false
		for _, r := range records {
			if r.Mountpoint == mountpoint {
				found = true
				continue
			}
			kept = append(kept, r)
		}
		if !found {
			return stratumerr.New(stratumerr.NotManaged, "mountorch.Deregister", mountpoint)
		}
		return s.save(kept)
	})
}

// Lookup returns the record for mountpoint, if any, under the shared lock.
func (s *RuntimeState) Lookup(ctx context.Context, mountpoint string) (MountRecord, bool, error) {
	var found MountRecord
	var ok bool
	err := s.locks.WithShared(ctx, s.lockPath(), s.lockDeadline, func() error {
		records, err := s.load()
		if err != nil {
			return err
		}
		for _, r := range records {
			if r.Mountpoint == mountpoint {
				found, ok = r, true
				return nil
			}
		}
		return nil
	})
	return found, ok, err
}

// List returns every live record, sorted by mountpoint.
func (s *RuntimeState) List(ctx context.Context) ([]MountRecord, error) {
	var out []MountRecord
	err := s.locks.WithShared(ctx, s.lockPath(), s.lockDeadline, func() error {
		records, err := s.load()
		if err != nil {
			return err
		}
		out = append(out, records...)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Mountpoint < out[j].Mountpoint })
	return out, err
}

// Reconcile is the startup repair pass spec §4.6 and §4.9 describe:
// records whose mountpoint isKernelMounted reports absent are pruned;
// the kept records and the count of dropped ones are returned so the
// caller can log the drop (invariant I7).
func (s *RuntimeState) Reconcile(ctx context.Context, isKernelMounted func(mountpoint string) bool) (kept []MountRecord, dropped int, err error) {
	err = s.locks.WithExclusive(ctx, s.lockPath(), s.lockDeadline, func() error {
		records, loadErr := s.load()
		if loadErr != nil {
			return loadErr
		}
		survivors := records[:0:0]
		for _, r := range records {
			if isKernelMounted(r.Mountpoint) {
				survivors = append(survivors, r)
			} else {
				dropped++
			}
		}
		kept = survivors
		return s.save(survivors)
	})
	return kept, dropped, err
}
