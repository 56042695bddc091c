//go:build linux

package fabric

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// NetlinkExecutor applies ops through rtnetlink in-process, without
// spawning ip(8). It must run as root on the fabric host.
type NetlinkExecutor struct{}

// Exec implements Executor.
func (e *NetlinkExecutor) Exec(_ context.Context, op Op) error {
	if err := e.exec(op); err != nil {
		if isAbsentErrno(err) {
			return fmt.Errorf("%s: %w: %v", op, ErrAbsent, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func isAbsentErrno(err error) bool {
	var lnf netlink.LinkNotFoundError
	return errors.As(err, &lnf) || errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENODEV)
}

func (e *NetlinkExecutor) exec(op Op) error {
	switch o := op.(type) {
	case AddNamespace:
		return addNamedNamespace(o.Name)
	case DelNamespace:
		return netns.DeleteNamed(o.Name)
	}

	h, done, err := handleAt(op.Namespace())
	if err != nil {
		return err
	}
	defer done()

	switch o := op.(type) {
	case AddVeth:
		return h.LinkAdd(&netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: o.Name}, PeerName: o.Peer})
	case AddDummy:
		return h.LinkAdd(&netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: o.Name}})
	case AddBridge:
		return h.LinkAdd(&netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: o.Name}})
	case AddRoute:
		gw := net.ParseIP(o.Gateway)
		if gw == nil {
			return fmt.Errorf("invalid gateway %q", o.Gateway)
		}
		route := &netlink.Route{Gw: gw}
		if o.Dst != "default" {
			_, dst, err := net.ParseCIDR(o.Dst)
			if err != nil {
				return err
			}
			route.Dst = dst
		}
		return h.RouteAdd(route)
	}

	link, err := h.LinkByName(linkName(op))
	if err != nil {
		return err
	}

	switch o := op.(type) {
	case DelLink:
		return h.LinkDel(link)
	case MoveLink:
		target, err := namespaceOrInit(o.Target)
		if err != nil {
			return err
		}
		defer target.Close()
		return h.LinkSetNsFd(link, int(target))
	case SetLinkUp:
		return h.LinkSetUp(link)
	case SetARPOff:
		return h.LinkSetARPOff(link)
	case SetHardwareAddr:
		hw, err := net.ParseMAC(o.MAC)
		if err != nil {
			return err
		}
		return h.LinkSetHardwareAddr(link, hw)
	case AddAddr:
		addr, err := netlink.ParseAddr(o.Address)
		if err != nil {
			return err
		}
		return h.AddrAdd(link, addr)
	case SetMaster:
		master, err := h.LinkByName(o.Master)
		if err != nil {
			return err
		}
		return h.LinkSetMaster(link, master)
	}
	return fmt.Errorf("unsupported op %s", op.Kind())
}

// handleAt opens a netlink socket inside ns ("" for the current namespace).
func handleAt(ns string) (*netlink.Handle, func(), error) {
	if ns == "" {
		h, err := netlink.NewHandle()
		if err != nil {
			return nil, nil, err
		}
		return h, h.Close, nil
	}
	nsh, err := netns.GetFromName(ns)
	if err != nil {
		return nil, nil, err
	}
	h, err := netlink.NewHandleAt(nsh)
	if err != nil {
		nsh.Close()
		return nil, nil, err
	}
	return h, func() {
		h.Close()
		nsh.Close()
	}, nil
}

func namespaceOrInit(name string) (netns.NsHandle, error) {
	if name == "" {
		return netns.GetFromPid(1)
	}
	return netns.GetFromName(name)
}

// Namespace switching primitives, replaced in tests.
var (
	nsGet      = netns.Get
	nsNewNamed = netns.NewNamed
	nsSet      = netns.Set
)

// addNamedNamespace creates a bind-mounted namespace. netns.NewNamed
// switches the calling thread into the new namespace, so the work runs on
// its own locked goroutine.
func addNamedNamespace(name string) error {
	errc := make(chan error, 1)
	go func() { errc <- createNamedOnThread(name) }()
	return <-errc
}

// createNamedOnThread unlocks its thread only once the thread is back in
// the original namespace. Otherwise the goroutine exits locked and the
// runtime destroys the thread.
func createNamedOnThread(name string) error {
	runtime.LockOSThread()

	orig, err := nsGet()
	if err != nil {
		runtime.UnlockOSThread()
		return err
	}
	defer orig.Close()

	ns, err := nsNewNamed(name)
	if err == nil {
		ns.Close()
	}
	if serr := nsSet(orig); serr != nil {
		return errors.Join(err, fmt.Errorf("restore namespace after creating %s: %w", name, serr))
	}
	runtime.UnlockOSThread()
	return err
}
