// Package executor implements the per-job execution pipeline: hard-link
// lock, header parse, anti-tamper checks, privilege-dropped shell
// execution with captured output, and mail delivery, per spec.md section
// 4.4.
package executor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"

	"github.com/crewjam/rfc5424"

	"github.com/atrund/atrund/log"
	"github.com/atrund/atrund/mail"
	"github.com/atrund/atrund/scheduler"
	"github.com/atrund/atrund/spool"
)

// AuthSession is the pluggable authentication-stack collaborator
// (spec.md section 6, "Authentication session integration"). A nil
// AuthSession is a valid build that simply skips these four steps.
type AuthSession interface {
	Start(login string) error
	CheckAccount() error
	OpenSession() error
	EstablishCredentials() error
	Close() error
}

// Elevator brackets a function call in a privilege-elevation scope.
type Elevator interface {
	WithElevated(fn func() error) error
}

// Config holds everything one Executor needs, independent of any single
// job.
type Config struct {
	SpoolDir     string
	OutSpoolDir  string
	MailProgram  string
	LoginNameMax int

	Auth    AuthSession // optional
	Elevate Elevator    // optional; nil behaves as an unconditional direct call

	Log *log.Logger
}

// Executor runs jobs asynchronously: Execute returns immediately (the
// "fork off a worker child and return to the scanner" step of spec.md
// section 4.4, implemented as a goroutine -- see DESIGN.md).
type Executor struct {
	cfg Config
	wg  sync.WaitGroup
}

func New(cfg Config) *Executor {
	return &Executor{cfg: cfg}
}

// Execute satisfies scanner.Executor. It launches the job's worker
// goroutine and returns immediately.
func (e *Executor) Execute(name string, uid, gid uint32) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(name, uid, gid)
	}()
}

// Wait blocks until every in-flight worker goroutine has finished. Used by
// tests and by a graceful-shutdown path that wants in-flight jobs to
// finish before the process exits (the daemon's own shutdown does not
// call this -- spec.md section 5: "in-flight worker processes continue to
// completion" independent of the main loop).
func (e *Executor) Wait() { e.wg.Wait() }

func (e *Executor) run(name string, ownerUID, ownerGID uint32) {
	jlog := e.jobLogger(name)

	n, ok := spool.Parse(name)
	if !ok {
		jlog(log.ERROR, "executor invoked with unparseable name")
		return
	}

	lock, err := spool.Acquire(e.cfg.SpoolDir, name)
	if err != nil {
		if errors.Is(err, spool.ErrAlreadyLocked) {
			jlog(log.WARN, "second runner attempted the same job")
			return
		}
		jlog(log.ERROR, "failed to acquire job lock", log.KV("tier", string(tierWorker)), log.KVErr(err))
		return
	}

	jobPath := e.cfg.SpoolDir + "/" + name

	u, err := user.LookupId(strconv.FormatUint(uint64(ownerUID), 10))
	if err != nil {
		// Lock remains; stale-lock reclaim will eventually clean it up,
		// since the job file itself is untouched.
		jlog(log.ERROR, "no passwd entry for job owner", log.KV("tier", string(tierQuarantine)), log.KV("uid", ownerUID), log.KVErr(err))
		return
	}

	var f *os.File
	err = e.elevate(func() error {
		var oerr error
		f, oerr = os.Open(jobPath)
		return oerr
	})
	if err != nil {
		jlog(log.ERROR, "failed to open job file", log.KV("tier", string(tierWorker)), log.KVErr(err))
		return
	}
	defer f.Close()

	if err := antiTamper(f, jobPath, ownerUID, ownerGID); err != nil {
		jlog(log.ERROR, "anti-tamper check failed, aborting job", log.KV("tier", string(tierQuarantine)), log.KVErr(err))
		return
	}

	header, _, err := ParseHeader(f, e.cfg.LoginNameMax)
	if err != nil {
		jlog(log.ERROR, "header parse failed, aborting job", log.KV("tier", string(tierQuarantine)), log.KVErr(err))
		return
	}
	if header.UID != ownerUID {
		jlog(log.ERROR, "header uid does not match file owner, aborting job",
			log.KV("tier", string(tierQuarantine)), log.KV("headerUID", header.UID), log.KV("ownerUID", ownerUID))
		return
	}

	// From here the job file is unlinked; only the lock file remains as
	// spool evidence. Any abort past this point is effectively a
	// quarantine that self-clears on the next stale-lock reclaim.
	if err := os.Remove(jobPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		jlog(log.ERROR, "failed to unlink job file", log.KV("tier", string(tierWorker)), log.KVErr(err))
		return
	}

	outPath := e.cfg.OutSpoolDir + "/" + name
	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		jlog(log.ERROR, "output file already exists or could not be created", log.KV("tier", string(tierWorker)), log.KVErr(err))
		return
	}
	defer outFile.Close()

	if err := e.elevate(func() error {
		return os.Chown(outPath, int(ownerUID), int(header.GID))
	}); err != nil {
		jlog(log.ERROR, "failed to chown output file", log.KV("tier", string(tierWorker)), log.KVErr(err))
		return
	}

	jobNo := fmt.Sprintf("%08d", n.Serial)
	fmt.Fprintf(outFile, "Subject: Output from your job %s\nTo: %s\n\n", jobNo, header.Login)
	headerSize, err := outFile.Seek(0, io.SeekCurrent)
	if err != nil {
		jlog(log.ERROR, "failed to determine mail header size", log.KV("tier", string(tierWorker)), log.KVErr(err))
		return
	}

	if e.cfg.Auth != nil {
		if err := e.elevate(func() error { return e.runAuthSession(u.Username) }); err != nil {
			jlog(log.ERROR, "authentication session setup failed", log.KV("tier", string(tierWorker)), log.KVErr(err))
			return
		}
		defer func() {
			if cerr := e.cfg.Auth.Close(); cerr != nil {
				jlog(log.WARN, "failed to close authentication session", log.KVErr(cerr))
			}
		}()
	}

	groups, err := supplementaryGroups(u)
	if err != nil {
		jlog(log.WARN, "failed to resolve supplementary groups", log.KVErr(err))
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		jlog(log.ERROR, "failed to rewind job file for shell stdin", log.KV("tier", string(tierWorker)), log.KVErr(err))
		return
	}

	cmd := buildShellCmd(n, f, outFile, ownerUID, header.GID, groups)
	if err := cmd.Run(); err != nil {
		var ec *exec.ExitError
		switch {
		case errors.As(err, &ec):
			// A non-zero shell exit is not a worker failure: the shell's
			// own exit status is user-code's business, not ours.
		case errors.Is(err, syscall.ECHILD):
			// The main loop's bookkeeping SIGCHLD handler (daemon.Loop.
			// reapChildren) can win the race and reap this child before
			// cmd.Wait does; per spec.md section 4.4 step 12 that counts
			// as the job having run to completion, not a worker failure.
		default:
			jlog(log.ERROR, "failed to run job shell", log.KV("tier", string(tierWorker)), log.KVErr(err))
		}
	}

	postSize, statErr := fileSize(outPath)
	if statErr != nil {
		postSize = headerSize // nothing grew that we can prove; never mail spuriously
	}

	if err := lock.Release(); err != nil {
		jlog(log.WARN, "failed to release job lock", log.KVErr(err))
	}

	sendMail := header.MailSwitch == 1 || (header.MailSwitch != -1 && postSize > headerSize)
	_ = os.Remove(outPath) // unlink now; the open *os.File keeps the data alive until closed

	if !sendMail {
		return
	}

	if err := mail.Deliver(mail.Program{Path: e.cfg.MailProgram}, header.Login, ownerUID, header.GID, groups, outFile); err != nil {
		jlog(log.ERROR, "mail delivery failed", log.KV("tier", string(tierWorker)), log.KV("login", header.Login), log.KVErr(err))
	}
}

func (e *Executor) runAuthSession(login string) error {
	a := e.cfg.Auth
	if err := a.Start(login); err != nil {
		return err
	}
	if err := a.CheckAccount(); err != nil {
		return err
	}
	if err := a.OpenSession(); err != nil {
		return err
	}
	if err := a.EstablishCredentials(); err != nil {
		return err
	}
	return nil
}

func (e *Executor) elevate(fn func() error) error {
	if e.cfg.Elevate == nil {
		return fn()
	}
	return e.cfg.Elevate.WithElevated(fn)
}

// tier classifies a per-job abort per spec.md section 7's three-tier error
// model. Fatal-to-daemon errors (bad CLI, can't chdir, can't install signal
// handlers) never reach this package -- they abort in cmd/atrund before the
// main loop starts.
type tier string

const (
	tierWorker     tier = "worker"     // a syscall failed after the job's worker started
	tierQuarantine tier = "quarantine" // anti-tamper/header/identity check rejected the job
)

// jobLogger returns a dispatcher that tags every log line from one job's
// run with its jobfile name, via a log.KVLogger scoped to that job --
// callers no longer need to repeat log.KV("jobfile", name) on every call.
func (e *Executor) jobLogger(name string) func(lvl log.Level, msg string, sds ...rfc5424.SDParam) {
	if e.cfg.Log == nil {
		return func(log.Level, string, ...rfc5424.SDParam) {}
	}
	kvl := log.NewLoggerWithKV(e.cfg.Log, log.KV("jobfile", name))
	return func(lvl log.Level, msg string, sds ...rfc5424.SDParam) {
		switch lvl {
		case log.DEBUG:
			kvl.Debug(msg, sds...)
		case log.WARN:
			kvl.Warn(msg, sds...)
		case log.ERROR:
			kvl.Error(msg, sds...)
		case log.CRITICAL:
			kvl.Critical(msg, sds...)
		default:
			kvl.Info(msg, sds...)
		}
	}
}

// antiTamper compares an fstat of the open job-file descriptor against an
// lstat of its path, per spec.md section 4.4 step 5: device, inode, uid,
// gid, size must match; a symlink at the path, or a link count above 2
// (job + our '=' lock), aborts the job.
func antiTamper(f *os.File, path string, ownerUID, ownerGID uint32) error {
	fstat, err := f.Stat()
	if err != nil {
		return err
	}
	lstat, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if lstat.Mode()&os.ModeSymlink != 0 {
		return errors.New("symbolic link encountered at job path")
	}

	fst, ok1 := fstat.Sys().(*syscall.Stat_t)
	lst, ok2 := lstat.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return errors.New("stat_t unavailable on this platform")
	}
	if fst.Dev != lst.Dev || fst.Ino != lst.Ino {
		return errors.New("job file replaced between open and stat")
	}
	if fst.Uid != lst.Uid || fst.Gid != lst.Gid {
		return errors.New("job file ownership changed")
	}
	if fstat.Size() != lstat.Size() {
		return errors.New("job file size changed")
	}
	if lst.Uid != ownerUID || lst.Gid != ownerGID {
		return errors.New("job file ownership does not match scanned owner")
	}
	if lst.Nlink > 2 {
		return fmt.Errorf("job file has unexpected extra hard links (nlink=%d)", lst.Nlink)
	}
	return nil
}

func supplementaryGroups(u *user.User) ([]uint32, error) {
	gids, err := u.GroupIds()
	if err != nil {
		return nil, err
	}
	out := make([]uint32, 0, len(gids))
	for _, g := range gids {
		v, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// buildShellCmd constructs the user-code child's exec.Cmd: stdin is the
// job file (seeked to zero, so the header's comment lines are harmlessly
// reread by /bin/sh), stdout/stderr are the output file, the environment
// is empty, and identity is dropped to the job owner via
// SysProcAttr.Credential -- the only safe way to change uid/gid before
// exec in a multi-threaded Go process (see DESIGN.md).
func buildShellCmd(n spool.Name, stdin, stdout *os.File, uid, gid uint32, groups []uint32) *exec.Cmd {
	path := "/bin/sh"
	args := []string{"sh"}
	if n.IsBatch() {
		if nice := scheduler.Nice(n.Queue); nice > 0 {
			path = "/usr/bin/nice"
			args = []string{"nice", "-n", strconv.Itoa(nice), "--", "/bin/sh"}
		}
	}

	cmd := &exec.Cmd{
		Path:   path,
		Args:   args,
		Dir:    "/",
		Env:    []string{}, // exec with an explicitly empty environment is a security contract, not an oversight
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stdout,
		SysProcAttr: &syscall.SysProcAttr{
			Credential: &syscall.Credential{
				Uid:    uid,
				Gid:    gid,
				Groups: groups,
			},
		},
	}
	return cmd
}
