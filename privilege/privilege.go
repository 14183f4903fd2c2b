// Package privilege implements the scoped-elevation idiom the daemon uses
// around the handful of operations that need real privilege while running
// as an otherwise unprivileged service identity: opening a user's job
// file, chown'ing its output file, opening an authentication session, and
// (on some platforms) sampling the load average.
package privilege

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Scope brackets critical sections that need the process's real uid/gid
// (typically root) rather than its normal, dropped-privilege effective
// identity. The underlying Setreuid/Setregid swap affects the whole
// process, so only one elevation may be in flight at a time; Scope
// serializes callers rather than letting them race.
type Scope struct {
	mu       sync.Mutex
	realUID  int
	realGID  int
	dropUID  int
	dropGID  int
	disabled bool // true when the process never runs privileged (e.g. tests)
}

// New builds a Scope that elevates to realUID/realGID and drops back to
// dropUID/dropGID on exit. Pass the daemon's unprivileged service identity
// as drop* and the privileged (usually root) identity as real*.
func New(realUID, realGID, dropUID, dropGID int) *Scope {
	return &Scope{realUID: realUID, realGID: realGID, dropUID: dropUID, dropGID: dropGID}
}

// Disabled returns a Scope whose WithElevated runs fn directly, with no
// uid/gid swap -- used when the daemon is not started as root, when its
// service identity cannot be resolved or switched to (it then keeps the
// identity it started with), and under test.
func Disabled() *Scope {
	return &Scope{disabled: true}
}

// WithElevated runs fn with the effective uid/gid raised to the scope's
// privileged identity, unconditionally restoring the dropped identity
// before returning -- including when fn panics.
func (s *Scope) WithElevated(fn func() error) (err error) {
	if s == nil || s.disabled {
		return fn()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = unix.Setregid(-1, s.realGID); err != nil {
		return err
	}
	if err = unix.Setreuid(-1, s.realUID); err != nil {
		_ = unix.Setregid(-1, s.dropGID)
		return err
	}

	defer func() {
		// Drop the gid first: once the euid is dropped the process no
		// longer has the privilege to change its egid.
		if rerr := unix.Setregid(-1, s.dropGID); rerr != nil && err == nil {
			err = rerr
		}
		if rerr := unix.Setreuid(-1, s.dropUID); rerr != nil && err == nil {
			err = rerr
		}
	}()

	err = fn()
	return
}
