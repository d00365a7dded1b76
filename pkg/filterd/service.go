// Package filterd implements the privileged packet-steering daemon. It owns
// the network compartment, the tunnel pair, the per-packet classification
// loops, the upstream connection forwarder, and the identity service.
package filterd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/datawire/imds-filter/pkg/filterd/conntrack"
	"github.com/datawire/imds-filter/pkg/filterd/forward"
	"github.com/datawire/imds-filter/pkg/filterd/identd"
	"github.com/datawire/imds-filter/pkg/filterd/netcomp"
	"github.com/datawire/imds-filter/pkg/filterd/packets"
	"github.com/datawire/imds-filter/pkg/filterd/routing"
	"github.com/datawire/imds-filter/pkg/logging"
	"github.com/datawire/imds-filter/pkg/pidfile"
	"github.com/datawire/imds-filter/pkg/proc"
)

const ProcessName = "imds-filterd"

// Env collects the few settings that can be overridden from the
// environment. The defaults are the documented interface of the daemon.
type Env struct {
	ForwardSocket string `env:"IMDS_FORWARD_SOCKET,default=/var/run/imds.sock"`
	IdentSocket   string `env:"IMDS_IDENT_SOCKET,default=/var/run/imds-ident.sock"`
	Pidfile       string `env:"IMDS_FILTERD_PIDFILE,default=/var/run/imds-filterd.pid"`
	Compartment   string `env:"IMDS_COMPARTMENT,default=imds"`
	MetadataAddr  string `env:"IMDS_ENDPOINT,default=169.254.169.254:80"`
}

// Command returns the imds-filterd root command.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:           ProcessName,
		Short:         "Steer metadata service traffic through the filtering compartment",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
}

func run(ctx context.Context) error {
	if !proc.IsAdmin() {
		return fmt.Errorf("%s must run with elevated privileges", ProcessName)
	}
	ctx = logging.InitContext(ctx, ProcessName)

	var env Env
	if err := envconfig.Process(ctx, &env); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	host, portStr, err := net.SplitHostPort(env.MetadataAddr)
	if err != nil {
		return fmt.Errorf("metadata endpoint %q: %w", env.MetadataAddr, err)
	}
	metadataIP := net.ParseIP(host)
	if metadataIP == nil || metadataIP.To4() == nil {
		return fmt.Errorf("metadata endpoint %q: not an IPv4 address", env.MetadataAddr)
	}
	metadataIP = metadataIP.To4()
	var metadataPort uint16
	if _, err := fmt.Sscanf(portStr, "%d", &metadataPort); err != nil {
		return fmt.Errorf("metadata endpoint %q: %w", env.MetadataAddr, err)
	}

	dlog.Info(ctx, "---")
	dlog.Infof(ctx, "%s starting, pid %d", ProcessName, os.Getpid())

	rt, err := routing.Discover(ctx, metadataIP)
	if err != nil {
		return fmt.Errorf("could not find route to metadata service: %w", err)
	}

	comp, err := netcomp.CreateCompartment(ctx, env.Compartment)
	if err != nil {
		return fmt.Errorf("failed to create compartment: %w", err)
	}
	defer func() {
		if err := comp.Delete(); err != nil {
			dlog.Warnf(ctx, "cannot remove compartment %q: %v", comp.Name, err)
		}
	}()

	tunnels, err := netcomp.SetupTunnels(ctx, comp, rt.SrcIP, metadataIP)
	if err != nil {
		return fmt.Errorf("failed to set up tunnel devices: %w", err)
	}
	nic, err := packets.NewNICWriter(rt.IfName, rt.GwMAC)
	if err != nil {
		_ = tunnels.Teardown()
		return fmt.Errorf("failed to open external interface: %w", err)
	}

	// Closing the tunnels is both the shutdown signal for the packet
	// loops (their blocking reads return) and part of teardown proper,
	// so it runs from whichever side gets there first.
	var closeOnce sync.Once
	closeAll := func() {
		closeOnce.Do(func() {
			if err := tunnels.Teardown(); err != nil {
				dlog.Warnf(ctx, "tunnel teardown: %v", err)
			}
			if err := nic.Close(); err != nil {
				dlog.Warnf(ctx, "close external interface: %v", err)
			}
		})
	}
	defer closeAll()

	fwdListener, err := listenUnix(ctx, env.ForwardSocket)
	if err != nil {
		return err
	}
	defer removeSocket(ctx, env.ForwardSocket)
	identListener, err := listenUnix(ctx, env.IdentSocket)
	if err != nil {
		_ = fwdListener.Close()
		return err
	}
	defer removeSocket(ctx, env.IdentSocket)

	if err := pidfile.Write(env.Pidfile); err != nil {
		_ = fwdListener.Close()
		_ = identListener.Close()
		return err
	}
	defer func() {
		if err := pidfile.Remove(env.Pidfile); err != nil {
			dlog.Warnf(ctx, "remove pidfile: %v", err)
		}
	}()

	table := conntrack.NewTable()
	classifier := packets.NewClassifier(table, metadataIP, metadataPort, rt.SrcMAC, rt.GwMAC)
	forwarder := forward.NewForwarder(table, env.MetadataAddr)
	identServer := identd.NewServer(identd.KernelCredLookup)

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
		SoftShutdownTimeout:  2 * time.Second,
	})
	g.Go("outbound-packets", func(ctx context.Context) error {
		return classifier.OutboundLoop(ctx, tunnels.Host.File, tunnels.Comp.File, nic)
	})
	g.Go("inbound-packets", func(ctx context.Context) error {
		return packets.InboundLoop(ctx, tunnels.Comp.File, tunnels.Host.File)
	})
	g.Go("conn-forwarder", func(ctx context.Context) error {
		return forwarder.Serve(ctx, fwdListener)
	})
	g.Go("ident-server", func(ctx context.Context) error {
		return identServer.Serve(ctx, identListener)
	})
	g.Go("shutdown", func(ctx context.Context) error {
		<-ctx.Done()
		closeAll()
		return nil
	})

	err = g.Wait()
	if err != nil {
		dlog.Error(ctx, err)
	}
	return err
}

// listenUnix opens a unix-domain stream listener. The umask is cleared
// while binding so that the unprivileged proxy can connect.
func listenUnix(ctx context.Context, socketName string) (net.Listener, error) {
	if proc.IsAdmin() {
		origUmask := unix.Umask(0)
		defer unix.Umask(origUmask)
	}
	listener, err := net.Listen("unix", socketName)
	if err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			err = fmt.Errorf("socket %q exists so the %s is either already running or terminated ungracefully", socketName, ProcessName)
		}
		return nil, err
	}
	dlog.Debugf(ctx, "listening on %s", socketName)
	return listener, nil
}

func removeSocket(ctx context.Context, socketName string) {
	if err := os.Remove(socketName); err != nil && !os.IsNotExist(err) {
		dlog.Warnf(ctx, "remove socket %s: %v", socketName, err)
	}
}
