//go:build linux

// Package privdrop drops root privileges to an unprivileged user after the
// listener has bound its well-known port.
package privdrop

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"
)

// To switches the running process's uid/gid to username. It must be called
// after binding any privileged port and before accepting untrusted traffic.
func To(username string) error {
	if username == "" {
		return nil
	}

	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("privdrop: lookup user %q: %w", username, err)
	}

	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("privdrop: parse gid %q: %w", u.Gid, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("privdrop: parse uid %q: %w", u.Uid, err)
	}

	// Group must be dropped before user: once uid is unprivileged the
	// process can no longer change its gid.
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("privdrop: setgid(%d): %w", gid, err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("privdrop: setuid(%d): %w", uid, err)
	}

	return nil
}
