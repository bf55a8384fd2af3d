//go:build linux || darwin

// Package privdrop drops root privileges after privileged listen sockets
// are bound: chroot, then supplementary groups, gid, and uid, in that
// order, refusing to continue if any step fails.
package privdrop

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// Config names the user, group and chroot directory to drop into. Empty
// User means Drop is a no-op.
type Config struct {
	User   string
	Group  string
	Chroot string
}

// Drop performs the privilege drop described by cfg. It is irreversible;
// call it only after every privileged resource (listen sockets below
// 1024, the chroot target) has already been acquired.
func Drop(cfg Config) error {
	if cfg.User == "" {
		return nil
	}

	u, err := user.Lookup(cfg.User)
	if err != nil {
		return fmt.Errorf("privdrop: lookup user %q: %w", cfg.User, err)
	}

	gid, err := resolveGID(cfg.Group, u)
	if err != nil {
		return err
	}

	if cfg.Chroot != "" {
		if err := unix.Chroot(cfg.Chroot); err != nil {
			return fmt.Errorf("privdrop: chroot %q: %w", cfg.Chroot, err)
		}
		if err := unix.Chdir("/"); err != nil {
			return fmt.Errorf("privdrop: chdir after chroot: %w", err)
		}
	}

	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("privdrop: setgroups: %w", err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("privdrop: setgid: %w", err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("privdrop: parse uid %q: %w", u.Uid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("privdrop: setuid: %w", err)
	}

	return nil
}

func resolveGID(group string, u *user.User) (int, error) {
	if group == "" {
		gid, err := strconv.Atoi(u.Gid)
		if err != nil {
			return 0, fmt.Errorf("privdrop: parse gid %q: %w", u.Gid, err)
		}
		return gid, nil
	}

	g, err := user.LookupGroup(group)
	if err != nil {
		return 0, fmt.Errorf("privdrop: lookup group %q: %w", group, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, fmt.Errorf("privdrop: parse gid %q: %w", g.Gid, err)
	}
	return gid, nil
}
