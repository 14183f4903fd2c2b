// Package daemon implements the main loop: one-shot vs. daemon mode,
// signal handling, the fsnotify-driven wake event, and the
// skip-if-unchanged scan optimization, per spec.md section 4.5.
package daemon

import (
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"github.com/crewjam/rfc5424"

	"github.com/atrund/atrund/log"
)

// errSecondInstance is returned by RunOnce/RunDaemon when another daemon
// already holds the spool's singleton flock.
var errSecondInstance = errors.New("daemon: another instance already holds the spool lock")

// Scanner is the collaborator invoked once per loop iteration.
type Scanner interface {
	Scan(now time.Time) (Result, error)
}

// Result mirrors scanner.Result's fields the loop actually needs, kept
// as its own type so this package does not import scanner directly (the
// main package adapts between the two).
type Result struct {
	NextWake   time.Time
	AnyPending bool
}

// Clock is an injectable time source for deterministic tests.
type Clock func() time.Time

// Loop drives the scan/sleep/skip cycle.
type Loop struct {
	SpoolDir string
	Scan     Scanner
	Log      *log.Logger
	Clock    Clock

	lockPath string

	sigchldCount uint64 // atomic; bookkeeping only, per spec.md section 5

	nothingToDo  bool
	lastMtime    time.Time
	lastNextWake time.Time
}

// New builds a Loop. lockFilePath is the whole-daemon singleton guard
// file (spec.md DOMAIN STACK / SPEC_FULL.md "Singleton flock"); pass ""
// to disable it (used by tests).
func New(spoolDir, lockFilePath string, scan Scanner, lg *log.Logger) *Loop {
	return &Loop{
		SpoolDir: spoolDir,
		Scan:     scan,
		Log:      lg,
		Clock:    time.Now,
		lockPath: lockFilePath,
	}
}

// RunOnce performs exactly one scan and returns, per spec.md section 4.5's
// one-shot mode (-s flag). It still takes the singleton flock, since a
// one-shot run racing a daemon-mode run against the same spool is exactly
// what the flock guards against.
func (l *Loop) RunOnce() error {
	release, err := l.acquireSingleton()
	if err != nil {
		return err
	}
	defer release()

	now := l.now()
	_, err = l.Scan.Scan(now)
	return err
}

// RunDaemon loops until a termination signal is observed, sleeping
// between scans until next_wake or until woken by SIGHUP, a spool
// directory change, or a termination signal.
func (l *Loop) RunDaemon() error {
	release, err := l.acquireSingleton()
	if err != nil {
		return err
	}
	defer release()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGCHLD)
	defer signal.Stop(sigCh)

	watcher, werr := fsnotify.NewWatcher()
	var fsEvents chan fsnotify.Event
	if werr == nil {
		if err := watcher.Add(l.SpoolDir); err == nil {
			fsEvents = watcher.Events
		} else {
			l.logf(log.WARN, "failed to watch spool directory", log.KVErr(err))
		}
		defer watcher.Close()
	} else {
		l.logf(log.WARN, "fsnotify unavailable, falling back to poll-only wakeups", log.KVErr(werr))
	}

	var terminated bool
	for !terminated {
		now := l.now()

		if !l.shouldSkip(now) {
			res, err := l.Scan.Scan(now)
			if err != nil {
				l.logf(log.ERROR, "scan failed", log.KVErr(err))
			} else {
				l.nothingToDo = !res.AnyPending
				l.lastNextWake = res.NextWake
				terminated = l.waitForWake(sigCh, fsEvents, res.NextWake)
				continue
			}
		}

		// Skipped scan body: honor the last real scan's next_wake, since
		// any spool change will still wake us early via fsnotify/SIGHUP.
		terminated = l.waitForWake(sigCh, fsEvents, l.lastNextWake)
	}
	return nil
}

// waitForWake blocks until sleepUntil, or until a relevant signal/fsnotify
// event arrives, whichever is first. It returns true once a termination
// signal (SIGTERM/SIGINT) has been observed.
func (l *Loop) waitForWake(sigCh chan os.Signal, fsEvents chan fsnotify.Event, sleepUntil time.Time) bool {
	d := sleepUntil.Sub(l.now())
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return false
		case sig, ok := <-sigCh:
			if !ok {
				return false
			}
			switch sig {
			case syscall.SIGCHLD:
				l.reapChildren()
			case syscall.SIGHUP:
				l.nothingToDo = false // force a full rescan next iteration
				return false
			case syscall.SIGTERM, syscall.SIGINT:
				return true
			}
		case _, ok := <-fsEvents:
			if !ok {
				continue
			}
			l.nothingToDo = false
			return false
		}
	}
}

// reapChildren performs a non-blocking reap of any exited children for
// bookkeeping only. Because it waits on pid -1, it can reap a job's shell
// or mail child before that child's own exec.Cmd.Wait does; the executor
// treats the resulting ECHILD as a completed run (see DESIGN.md).
func (l *Loop) reapChildren() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
		atomic.AddUint64(&l.sigchldCount, 1)
	}
}

// shouldSkip implements the skip-if-unchanged optimization: if the
// previous scan found nothing pending and the spool directory's mtime has
// not advanced, a full scan is unnecessary.
func (l *Loop) shouldSkip(now time.Time) bool {
	if !l.nothingToDo {
		return false
	}
	fi, err := os.Stat(l.SpoolDir)
	if err != nil {
		return false
	}
	mtime := fi.ModTime()
	if !mtime.After(l.lastMtime) {
		return true
	}
	l.lastMtime = mtime
	return false
}

func (l *Loop) acquireSingleton() (release func(), err error) {
	if l.lockPath == "" {
		return func() {}, nil
	}
	fl := flock.New(l.lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, errSecondInstance
	}
	return func() { _ = fl.Unlock() }, nil
}

func (l *Loop) now() time.Time {
	if l.Clock == nil {
		return time.Now()
	}
	return l.Clock()
}

func (l *Loop) logf(lvl log.Level, msg string, sds ...rfc5424.SDParam) {
	if l.Log == nil {
		return
	}
	switch lvl {
	case log.WARN:
		l.Log.Warn(msg, sds...)
	case log.ERROR:
		l.Log.Error(msg, sds...)
	default:
		l.Log.Info(msg, sds...)
	}
}
