// Package mail wraps invocation of the host mail-delivery program used to
// send a job's captured output to its submitter.
package mail

import (
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Program describes how to invoke the external mail delivery command.
type Program struct {
	// Path is the mail binary, e.g. "/usr/sbin/sendmail".
	Path string
}

// Deliver execs the mail program as "<path> -i <login>", with body
// replayed on its stdin and stdout/stderr redirected to /dev/null (some
// mail programs misbehave without a valid stdout/stderr, per spec.md
// section 4.4 step 14). The child runs under uid/gid/groups, never the
// daemon's own identity.
func Deliver(prog Program, login string, uid, gid uint32, groups []uint32, body *os.File) error {
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devnull.Close()

	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return err
	}

	cmd := &exec.Cmd{
		Path: prog.Path,
		Args: []string{"sendmail", "-i", login},
	}
	cmd.Stdin = body
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.Dir = "/"
	cmd.Env = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid:    uid,
			Gid:    gid,
			Groups: groups,
		},
	}

	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Wait()
}
