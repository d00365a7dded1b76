// Package proc provides process-level helpers: privilege checks and the
// setuid/setgid dance used by the proxy's -u flag.
package proc

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// IsAdmin reports whether this process runs with root privileges.
func IsAdmin() bool {
	return os.Geteuid() == 0
}

// DropPrivileges switches the process credentials according to spec, which
// takes the forms "user", ":group", or "user:group". When only a group is
// given the user is left unchanged. Supplementary groups are replaced by the
// target user's groups (or by that group alone when only a group is given). The order is
// setgroups, setgid, setuid; once the uid is gone there is no way back.
func DropPrivileges(spec string) error {
	var uid, gid = -1, -1
	var groups []int

	userPart, groupPart, hasGroup := strings.Cut(spec, ":")
	if userPart != "" {
		u, err := user.Lookup(userPart)
		if err != nil {
			return fmt.Errorf("unknown user %q: %w", userPart, err)
		}
		if uid, err = strconv.Atoi(u.Uid); err != nil {
			return fmt.Errorf("non-numeric uid %q: %w", u.Uid, err)
		}
		if gid, err = strconv.Atoi(u.Gid); err != nil {
			return fmt.Errorf("non-numeric gid %q: %w", u.Gid, err)
		}
		gidStrings, err := u.GroupIds()
		if err != nil {
			return fmt.Errorf("group list for %q: %w", userPart, err)
		}
		for _, gs := range gidStrings {
			g, err := strconv.Atoi(gs)
			if err != nil {
				return fmt.Errorf("non-numeric group id %q: %w", gs, err)
			}
			groups = append(groups, g)
		}
	}
	if hasGroup && groupPart != "" {
		g, err := user.LookupGroup(groupPart)
		if err != nil {
			return fmt.Errorf("unknown group %q: %w", groupPart, err)
		}
		if gid, err = strconv.Atoi(g.Gid); err != nil {
			return fmt.Errorf("non-numeric gid %q: %w", g.Gid, err)
		}
		if userPart == "" {
			groups = []int{gid}
		}
	}
	if uid == -1 && gid == -1 {
		return fmt.Errorf("empty uid/gid specification %q", spec)
	}

	if groups != nil {
		if err := unix.Setgroups(groups); err != nil {
			return fmt.Errorf("setgroups: %w", err)
		}
	}
	if gid != -1 {
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("setgid(%d): %w", gid, err)
		}
	}
	if uid != -1 {
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("setuid(%d): %w", uid, err)
		}
	}
	return nil
}
