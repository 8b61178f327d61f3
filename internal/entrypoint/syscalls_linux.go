package entrypoint

import (
	"os"
	"os/user"

	"golang.org/x/sys/unix"
)

// DefaultSyscalls returns the real privileged operation surface.
// unix.Setgroups/Setgid/Setuid apply to all threads of the process.
func DefaultSyscalls() Syscalls {
	return Syscalls{
		Chown:       os.Chown,
		Setgroups:   unix.Setgroups,
		Setgid:      unix.Setgid,
		Setuid:      unix.Setuid,
		Exec:        unix.Exec,
		LookupUser:  user.Lookup,
		LookupGroup: user.LookupGroup,
	}
}
