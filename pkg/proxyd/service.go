// Package proxyd implements the HTTP filtering proxy that runs inside the
// network compartment. It listens on the metadata port, identifies the
// process behind each connection through the filter daemon's identity
// service, and forwards or refuses each request per the policy file.
package proxyd

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/imds-filter/pkg/logging"
	"github.com/datawire/imds-filter/pkg/pidfile"
	"github.com/datawire/imds-filter/pkg/proc"
	"github.com/datawire/imds-filter/pkg/proxyd/policy"
)

const ProcessName = "imds-proxy"

type Env struct {
	ForwardSocket string `env:"IMDS_FORWARD_SOCKET,default=/var/run/imds.sock"`
	IdentSocket   string `env:"IMDS_IDENT_SOCKET,default=/var/run/imds-ident.sock"`
	ListenAddr    string `env:"IMDS_PROXY_LISTEN,default=0.0.0.0:80"`
}

// Command returns the imds-proxy root command.
func Command() *cobra.Command {
	var conffile, pidfilePath, uidgid string
	cmd := &cobra.Command{
		Use:           ProcessName,
		Short:         "Filter HTTP requests to the instance metadata service",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), conffile, pidfilePath, uidgid)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&conffile, "conffile", "f", "/usr/local/etc/imds.conf", "policy rule file")
	flags.StringVarP(&pidfilePath, "pidfile", "p", "/var/run/imds-proxy.pid", "pidfile location")
	flags.StringVarP(&uidgid, "uidgid", "u", "", "drop privileges to <user|:group|user:group> after binding")
	return cmd
}

func run(ctx context.Context, conffile, pidfilePath, uidgid string) error {
	ctx = logging.InitContext(ctx, ProcessName)
	logging.AddSyslogHook(ctx, ProcessName)

	var env Env
	if err := envconfig.Process(ctx, &env); err != nil {
		return fmt.Errorf("environment: %w", err)
	}

	// Name resolution in the rule file must happen now, while we can
	// still read the user database as root.
	rules, err := policy.Load(ctx, conffile)
	if err != nil {
		return fmt.Errorf("could not read configuration file: %w", err)
	}

	lc := net.ListenConfig{Control: reuseAddr}
	listener, err := lc.Listen(ctx, "tcp4", env.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", env.ListenAddr, err)
	}
	defer listener.Close()

	if err := pidfile.Write(pidfilePath); err != nil {
		return err
	}
	defer func() {
		if err := pidfile.Remove(pidfilePath); err != nil {
			dlog.Warnf(ctx, "remove pidfile: %v", err)
		}
	}()

	if uidgid != "" {
		if err := proc.DropPrivileges(uidgid); err != nil {
			return fmt.Errorf("failed to drop privileges: %w", err)
		}
	}

	dlog.Infof(ctx, "%s listening on %s, %d rules from %s", ProcessName, env.ListenAddr, rules.Len(), conffile)

	p := NewProxy(rules, env.IdentSocket, env.ForwardSocket)
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A failed accept takes the whole daemon down. Handler
			// goroutines are deliberately not waited for; exiting
			// leaks their in-flight work but can never free state
			// out from under them.
			return fmt.Errorf("accept: %w", err)
		}
		go p.handle(ctx, conn.(*net.TCPConn))
	}
}

func reuseAddr(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
