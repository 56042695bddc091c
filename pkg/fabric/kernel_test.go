package fabric

import (
	"context"
	"fmt"
	"sort"
)

// memKernel models the namespace and link behaviour the fabric relies on:
// name clashes, veth pairs dying together, moves dropping addresses and
// link state, and namespace deletion destroying virtual links.
type memKernel struct {
	namespaces map[string]map[string]*memLink
	failOn     func(op Op) bool
	ops        []Op
}

type memLink struct {
	name   string
	kind   string
	ns     string
	peer   *memLink
	up     bool
	arpOff bool
	mac    string
	addrs  []string
	master string
}

func newMemKernel() *memKernel {
	return &memKernel{namespaces: map[string]map[string]*memLink{"": {}}}
}

func absent(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrAbsent)
}

func (k *memKernel) Exec(_ context.Context, op Op) error {
	k.ops = append(k.ops, op)
	if k.failOn != nil && k.failOn(op) {
		return fmt.Errorf("%s: injected failure", op)
	}

	switch o := op.(type) {
	case AddNamespace:
		if _, ok := k.namespaces[o.Name]; ok {
			return fmt.Errorf("namespace %s: File exists", o.Name)
		}
		k.namespaces[o.Name] = map[string]*memLink{"lo": {name: "lo", kind: "loopback", ns: o.Name}}
		return nil
	case DelNamespace:
		links, ok := k.namespaces[o.Name]
		if !ok {
			return absent("namespace %s", o.Name)
		}
		for _, l := range links {
			if l.peer != nil {
				delete(k.namespaces[l.peer.ns], l.peer.name)
			}
		}
		delete(k.namespaces, o.Name)
		return nil
	}

	links, ok := k.namespaces[op.Namespace()]
	if !ok {
		return absent("namespace %s", op.Namespace())
	}
	create := func(l *memLink) error {
		if _, exists := links[l.name]; exists {
			return fmt.Errorf("%s: File exists", l.name)
		}
		l.ns = op.Namespace()
		links[l.name] = l
		return nil
	}

	switch o := op.(type) {
	case AddVeth:
		if _, exists := links[o.Peer]; exists || o.Name == o.Peer {
			return fmt.Errorf("%s: File exists", o.Peer)
		}
		a := &memLink{name: o.Name, kind: "veth"}
		z := &memLink{name: o.Peer, kind: "veth"}
		a.peer, z.peer = z, a
		if err := create(a); err != nil {
			return err
		}
		return create(z)
	case AddDummy:
		return create(&memLink{name: o.Name, kind: "dummy"})
	case AddBridge:
		return create(&memLink{name: o.Name, kind: "bridge"})
	case AddRoute:
		return nil
	}

	name := linkName(op)
	l, ok := links[name]
	if !ok {
		return absent("device %s in %q", name, op.Namespace())
	}

	switch o := op.(type) {
	case DelLink:
		delete(links, name)
		if l.peer != nil {
			delete(k.namespaces[l.peer.ns], l.peer.name)
		}
	case MoveLink:
		target, ok := k.namespaces[o.Target]
		if !ok {
			return absent("namespace %s", o.Target)
		}
		if _, exists := target[name]; exists {
			return fmt.Errorf("%s: File exists in %q", name, o.Target)
		}
		delete(links, name)
		l.ns = o.Target
		l.up = false
		l.addrs = nil
		l.master = ""
		target[name] = l
	case SetLinkUp:
		l.up = true
	case SetARPOff:
		l.arpOff = true
	case SetHardwareAddr:
		l.mac = o.MAC
	case AddAddr:
		l.addrs = append(l.addrs, o.Address)
	case SetMaster:
		m, ok := links[o.Master]
		if !ok || m.kind != "bridge" {
			return absent("bridge %s", o.Master)
		}
		l.master = o.Master
	}
	return nil
}

func (k *memKernel) link(ns, name string) *memLink {
	return k.namespaces[ns][name]
}

// residue lists every namespace and default-namespace link left behind.
func (k *memKernel) residue() []string {
	var out []string
	for ns, links := range k.namespaces {
		if ns != "" {
			out = append(out, "netns "+ns)
			continue
		}
		for name := range links {
			out = append(out, "link "+name)
		}
	}
	sort.Strings(out)
	return out
}
