// Package scanner implements a single pass over the spool directory:
// classifying entries, reclaiming stale locks, executing eligible
// immediate jobs, and selecting a batch candidate for the scheduler.
package scanner

import (
	"errors"
	"os"
	"time"

	"github.com/crewjam/rfc5424"

	"github.com/atrund/atrund/log"
	"github.com/atrund/atrund/spool"
)

// BatchCandidate is the single best batch job found during a scan, per
// spec.md section 4.2 step 8 (lexicographically smallest filename wins).
type BatchCandidate struct {
	Name     string
	Queue    byte
	UID, GID uint32
}

// Executor is the collaborator invoked for every immediate job the scan
// finds eligible to run right now. It must not block the scan for longer
// than starting the job requires (spec.md section 4.4's worker runs
// asynchronously).
type Executor interface {
	Execute(name string, uid, gid uint32)
}

// Owner resolves the submitting uid/gid for a spool entry. On most
// platforms this is read directly from the file's stat_t; it is an
// injectable seam purely for testability.
type Owner interface {
	Owner(fi os.FileInfo) (uid, gid uint32)
}

type defaultOwner struct{}

func (defaultOwner) Owner(fi os.FileInfo) (uid, gid uint32) {
	return statOwner(fi)
}

// Result is everything one scan reports back to the scheduler and main
// loop (spec.md section 4.2).
type Result struct {
	NextWake     time.Time
	HasBatch     bool
	Batch        BatchCandidate
	AnyPending   bool // pending work exists (future job, or unfinalized entry)
	DirUnchanged bool // informational: scan observed no entries at all
}

// Scanner performs one scan of a spool directory.
type Scanner struct {
	Dir           string
	CheckInterval time.Duration
	Exec          Executor
	Owner         Owner
	Log           *log.Logger
}

// New builds a Scanner whose Owner reads uid/gid from each entry's stat;
// a nil lg disables logging.
func New(dir string, checkInterval time.Duration, exec Executor, lg *log.Logger) *Scanner {
	return &Scanner{
		Dir:           dir,
		CheckInterval: checkInterval,
		Exec:          exec,
		Owner:         defaultOwner{},
		Log:           lg,
	}
}

// Scan performs one pass over the spool directory, as of now. It executes
// eligible immediate jobs inline (via Exec), reclaims stale locks, and
// returns the batch candidate (if any) and the next time a fresh scan is
// worth performing.
func (s *Scanner) Scan(now time.Time) (Result, error) {
	res := Result{NextWake: now.Add(s.CheckInterval)}

	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return res, err
	}
	res.DirUnchanged = len(entries) == 0

	var bestCandidate *BatchCandidate

	for _, de := range entries {
		name := de.Name()
		n, ok := spool.Parse(name)
		if !ok {
			continue // unparseable entries are silently ignored
		}

		fi, err := os.Lstat(s.Dir + "/" + name)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // racing deletion is normal
			}
			s.logf(log.WARN, "stat failed during scan", log.KV("entry", name), log.KVErr(err))
			continue
		}
		if !fi.Mode().IsRegular() {
			continue
		}

		if n.Kind() != spool.KindLock && fi.Mode()&0100 == 0 {
			// owner-execute bit clear: submitter hasn't finalized the file
			res.AnyPending = true
			continue
		}

		nlink, _ := spool.NLink(fi)

		switch n.Kind() {
		case spool.KindLock:
			if spool.IsStaleLock(n, nlink, now, s.CheckInterval) {
				if err := spool.ReclaimStaleLock(s.Dir, name); err != nil {
					s.logf(log.WARN, "failed to reclaim stale lock", log.KV("entry", name), log.KVErr(err))
				} else {
					s.logf(log.INFO, "reclaimed stale lock", log.KV("entry", name))
				}
			}
			continue
		case spool.KindIgnored:
			continue
		}

		// spool.KindBatch or spool.KindImmediate from here on.
		if nlink > 1 {
			if spool.IsStaleRunner(n, nlink, now, s.CheckInterval) {
				if err := spool.ReclaimStaleRunner(s.Dir, n); err != nil {
					s.logf(log.WARN, "failed to reclaim stale runner lock", log.KV("jobfile", name), log.KVErr(err))
				} else {
					s.logf(log.INFO, "reclaimed job from dead runner, rescheduling now",
						log.KV("jobfile", name), log.KV("queue", string(n.Queue)))
					res.AnyPending = true
					res.NextWake = now
				}
			}
			continue // locked job, live or just reclaimed: never run again this scan
		}

		if n.ScheduledAt().After(now) {
			if n.ScheduledAt().Before(res.NextWake) {
				res.NextWake = n.ScheduledAt()
			}
			res.AnyPending = true
			continue
		}

		uid, gid := s.Owner.Owner(fi)

		if n.IsImmediate() {
			s.logf(log.INFO, "running immediate job", log.KV("jobfile", name), log.KV("uid", uid))
			if s.Exec != nil {
				s.Exec.Execute(name, uid, gid)
			}
			continue
		}

		// Batch candidate: retain the lexicographically smallest filename.
		if bestCandidate == nil || name < bestCandidate.Name {
			bestCandidate = &BatchCandidate{Name: name, Queue: n.Queue, UID: uid, GID: gid}
		}
	}

	if bestCandidate != nil {
		res.HasBatch = true
		res.Batch = *bestCandidate
	}

	horizon := now.Add(s.CheckInterval)
	if res.NextWake.After(horizon) {
		res.NextWake = horizon
	}

	return res, nil
}

func (s *Scanner) logf(lvl log.Level, msg string, sds ...rfc5424.SDParam) {
	if s.Log == nil {
		return
	}
	switch lvl {
	case log.DEBUG:
		s.Log.Debug(msg, sds...)
	case log.WARN:
		s.Log.Warn(msg, sds...)
	case log.ERROR:
		s.Log.Error(msg, sds...)
	case log.CRITICAL:
		s.Log.Critical(msg, sds...)
	default:
		s.Log.Info(msg, sds...)
	}
}
