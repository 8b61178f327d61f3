// Package entrypoint implements the container's privilege-dropping init
// process: it re-owns the sandbox's scratch directories while still root,
// switches to the unprivileged sandbox identity, and replaces itself with
// the requested command. Every step is fatal on failure; the identity
// switch never happens after a failed ownership change.
package entrypoint

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"strconv"
	"strings"

	"pkt.systems/pslog"
)

// Defaults pinned by the sandbox image build.
const (
	DefaultUser      = "sandbox"
	DefaultGroup     = "sandbox"
	DefaultTmpPath   = "/sandbox/tmp"
	DefaultCachePath = "/sandbox/cache"
	DefaultShell     = "/bin/sh"
)

// ErrNoIdentity indicates the sandbox user or group is missing from the
// container's identity database.
var ErrNoIdentity = errors.New("sandbox identity not found")

// Config describes the handoff: which two paths to re-own, which identity
// to hand off to, and the command tokens to run under it.
type Config struct {
	User      string
	Group     string
	TmpPath   string
	CachePath string
	Shell     string
	Args      []string
	Env       []string
}

func (c *Config) applyDefaults() {
	if c.User == "" {
		c.User = DefaultUser
	}
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.TmpPath == "" {
		c.TmpPath = DefaultTmpPath
	}
	if c.CachePath == "" {
		c.CachePath = DefaultCachePath
	}
	if c.Shell == "" {
		c.Shell = DefaultShell
	}
}

// Syscalls is the privileged operation surface. Injecting it keeps the
// step ordering and abort behavior unit testable without root.
type Syscalls struct {
	Chown       func(path string, uid, gid int) error
	Setgroups   func(gids []int) error
	Setgid      func(gid int) error
	Setuid      func(uid int) error
	Exec        func(argv0 string, argv []string, env []string) error
	LookupUser  func(name string) (*user.User, error)
	LookupGroup func(name string) (*user.Group, error)
}

// Identity is the resolved unprivileged uid/gid pair.
type Identity struct {
	UID int
	GID int
}

// ResolveIdentity looks up the sandbox user and group in the container's
// identity database.
func ResolveIdentity(cfg Config, sys Syscalls) (Identity, error) {
	u, err := sys.LookupUser(cfg.User)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: user %q: %v", ErrNoIdentity, cfg.User, err)
	}
	g, err := sys.LookupGroup(cfg.Group)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: group %q: %v", ErrNoIdentity, cfg.Group, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: non-numeric uid %q", ErrNoIdentity, u.Uid)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: non-numeric gid %q", ErrNoIdentity, g.Gid)
	}
	return Identity{UID: uid, GID: gid}, nil
}

// JoinCommand concatenates the command tokens into the single string the
// shell reinterprets. Order is preserved; tokens are space separated.
func JoinCommand(args []string) string {
	return strings.Join(args, " ")
}

// Run performs the handoff. On success it does not return: the process
// image has been replaced. Every returned error is fatal and must abort
// the process with a non-zero exit.
func Run(ctx context.Context, cfg Config, sys Syscalls) error {
	cfg.applyDefaults()
	log := pslog.Ctx(ctx)

	id, err := ResolveIdentity(cfg, sys)
	if err != nil {
		return err
	}
	log.Info("entrypoint identity resolved", "user", cfg.User, "uid", id.UID, "group", cfg.Group, "gid", id.GID)

	// Ownership must be settled before any privilege is given up.
	for _, path := range []string{cfg.TmpPath, cfg.CachePath} {
		if err := sys.Chown(path, id.UID, id.GID); err != nil {
			log.Error("entrypoint chown failed", "path", path, "err", err)
			return fmt.Errorf("chown %s: %w", path, err)
		}
		log.Info("entrypoint chown ok", "path", path)
	}

	if err := sys.Setgroups([]int{id.GID}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := sys.Setgid(id.GID); err != nil {
		return fmt.Errorf("setgid %d: %w", id.GID, err)
	}
	if err := sys.Setuid(id.UID); err != nil {
		return fmt.Errorf("setuid %d: %w", id.UID, err)
	}

	command := JoinCommand(cfg.Args)
	log.Info("entrypoint handoff", "command", command, "shell", cfg.Shell)
	if err := sys.Exec(cfg.Shell, []string{cfg.Shell, "-c", command}, cfg.Env); err != nil {
		return fmt.Errorf("exec %s: %w", cfg.Shell, err)
	}
	// Unreachable: a successful exec replaces the process image.
	return nil
}
