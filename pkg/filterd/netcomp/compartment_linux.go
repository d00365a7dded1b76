// Package netcomp owns the network compartment that the HTTP proxy runs in
// and the pair of tunnels connecting it to the host: imds-tun on the host
// side and imds-tunout inside the compartment. Packets routed to the
// metadata address surface on imds-tun; whatever the classifier writes into
// imds-tunout is delivered to the compartment's stack as received traffic.
package netcomp

import (
	"context"
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"

	"github.com/datawire/dlib/dlog"
)

// Compartment is a named network namespace with its own interface list and
// routing table.
type Compartment struct {
	Name   string
	handle netns.NsHandle
}

// CreateCompartment creates (and keeps a handle to) the named namespace.
func CreateCompartment(ctx context.Context, name string) (*Compartment, error) {
	c := &Compartment{Name: name, handle: -1}
	// netns.NewNamed moves the calling thread into the new namespace, so
	// the whole create-and-return dance runs on a dedicated locked
	// thread; see InDo.
	err := onLockedThread(func() error {
		orig, err := netns.Get()
		if err != nil {
			return fmt.Errorf("current netns: %w", err)
		}
		defer orig.Close()
		h, err := netns.NewNamed(name)
		if err != nil {
			return fmt.Errorf("create netns %q: %w", name, err)
		}
		c.handle = h
		return netns.Set(orig)
	})
	if err != nil {
		return nil, err
	}
	dlog.Infof(ctx, "created network compartment %q", name)
	return c, nil
}

// InDo runs fn inside the compartment. Namespace membership is a property
// of the OS thread, so fn runs on a short-lived goroutine locked to its
// thread, which enters the compartment, does its work, and switches back to
// the original namespace before the thread is unlocked — the Go rendition
// of fork, enter, ioctl, exit.
func (c *Compartment) InDo(fn func() error) error {
	return onLockedThread(func() error {
		orig, err := netns.Get()
		if err != nil {
			return fmt.Errorf("current netns: %w", err)
		}
		defer orig.Close()
		if err := netns.Set(c.handle); err != nil {
			return fmt.Errorf("enter netns %q: %w", c.Name, err)
		}
		fnErr := fn()
		if err := netns.Set(orig); err != nil {
			// The thread is stuck in the compartment; it must not
			// return to the scheduler pool.
			panic(fmt.Sprintf("cannot leave netns %q: %v", c.Name, err))
		}
		return fnErr
	})
}

// Fd exposes the namespace handle for moving interfaces into it.
func (c *Compartment) Fd() int {
	return int(c.handle)
}

// Delete removes the named namespace.
func (c *Compartment) Delete() error {
	if c.handle >= 0 {
		_ = c.handle.Close()
		c.handle = -1
	}
	return netns.DeleteNamed(c.Name)
}

// onLockedThread runs fn on a fresh goroutine whose thread is locked for
// the duration. If fn panics after switching namespaces the thread dies
// with it rather than rejoining the pool in the wrong namespace.
func onLockedThread(fn func() error) error {
	errCh := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		errCh <- fn()
	}()
	return <-errCh
}
