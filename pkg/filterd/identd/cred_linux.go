package identd

import (
	"fmt"
	"net"
	"os/user"
	"strconv"

	"github.com/vishvananda/netlink"
)

// KernelCredLookup asks the kernel, via a sock_diag netlink query, which
// uid owns the TCP socket with the given endpoints, then expands that uid's
// group memberships from the user database. sock_diag reports only the
// owning uid; the database is the closest thing Linux has to the full
// credential the BSD getcred sysctl returns.
func KernelCredLookup(local, remote *net.TCPAddr) (uint32, []uint32, error) {
	sock, err := netlink.SocketGet(local, remote)
	if err != nil {
		return 0, nil, fmt.Errorf("sock_diag %s <-> %s: %w", local, remote, err)
	}

	u, err := user.LookupId(strconv.FormatUint(uint64(sock.UID), 10))
	if err != nil {
		return 0, nil, fmt.Errorf("uid %d has no user database entry: %w", sock.UID, err)
	}
	gidStrings, err := u.GroupIds()
	if err != nil {
		return 0, nil, fmt.Errorf("group list for uid %d: %w", sock.UID, err)
	}

	primary, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, nil, fmt.Errorf("non-numeric gid %q: %w", u.Gid, err)
	}
	gids := []uint32{uint32(primary)}
	for _, gs := range gidStrings {
		g, err := strconv.ParseUint(gs, 10, 32)
		if err != nil {
			return 0, nil, fmt.Errorf("non-numeric gid %q: %w", gs, err)
		}
		if uint32(g) != uint32(primary) {
			gids = append(gids, uint32(g))
		}
	}
	return sock.UID, gids, nil
}
