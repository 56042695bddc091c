package fabric

import (
	"fmt"

	"github.com/newtron-network/topotest/pkg/util"
)

// BridgeName is the bridge created inside every switch namespace.
const BridgeName = "br0"

// Plan is the ordered op list for one topology. PreClean removes leftovers
// of an earlier run and is allowed to fail; Setup must succeed op by op.
type Plan struct {
	Fabric   string
	PreClean []Op
	Setup    []Op
}

// Compile validates t and orders its construction:
//
//  1. switch namespaces and bridges
//  2. router and peer namespaces
//  3. switch members: veth into the bridge, far end into the node
//  4. VRF namespaces, taking their router interfaces
//  5. router interface addresses, in the namespace each ends up in
//  6. peer addresses and default routes
//  7. VRF loopbacks
//  8. leak pairs between VRFs
//  9. backbone links from each VRF to its router
//
// Interfaces are addressed and brought up only after their last move, since
// a namespace move drops both.
func Compile(t *Topology) (*Plan, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	p := &Plan{Fabric: t.Name}
	for _, ns := range t.Namespaces() {
		p.PreClean = append(p.PreClean, DelNamespace{Name: ns})
	}

	add := func(ops ...Op) { p.Setup = append(p.Setup, ops...) }

	for _, sw := range t.SwitchNames() {
		add(AddNamespace{Name: sw},
			AddBridge{NS: sw, Name: BridgeName},
			SetLinkUp{NS: sw, Name: BridgeName})
	}

	for _, r := range t.Routers {
		if !r.Host {
			add(AddNamespace{Name: r.Name}, SetLinkUp{NS: r.Name, Name: "lo"})
		}
	}
	for _, peer := range t.Peers {
		add(AddNamespace{Name: peer.Name}, SetLinkUp{NS: peer.Name, Name: "lo"})
	}

	for _, ep := range t.Endpoints() {
		add(AddVeth{NS: ep.Switch, Name: ep.Interface, Peer: ep.Port},
			SetMaster{NS: ep.Switch, Name: ep.Port, Master: BridgeName},
			SetLinkUp{NS: ep.Switch, Name: ep.Port},
			MoveLink{NS: ep.Switch, Name: ep.Interface, Target: ep.Namespace})
	}

	// final namespace of every router interface
	home := map[string]string{}
	for _, r := range t.Routers {
		for _, i := range r.Interfaces {
			home[i.Name] = r.Namespace()
		}
	}

	for _, v := range t.VRFs {
		ns := v.Namespace()
		nodeNS := t.Router(v.Node).Namespace()
		add(AddNamespace{Name: ns}, SetLinkUp{NS: ns, Name: "lo"})
		for _, name := range v.Interfaces {
			add(MoveLink{NS: nodeNS, Name: name, Target: ns})
			home[name] = ns
		}
	}

	for _, r := range t.Routers {
		for _, i := range r.Interfaces {
			ns := home[i.Name]
			if i.Address != "" {
				add(AddAddr{NS: ns, Name: i.Name, Address: i.Address})
			}
			add(SetLinkUp{NS: ns, Name: i.Name})
		}
	}

	for _, peer := range t.Peers {
		iface := peer.InterfaceName()
		add(AddAddr{NS: peer.Name, Name: iface, Address: peer.Address},
			SetLinkUp{NS: peer.Name, Name: iface})
		if peer.Gateway != "" {
			add(AddRoute{NS: peer.Name, Dst: "default", Gateway: peer.Gateway})
		}
	}

	for _, v := range t.VRFs {
		lo := v.Loopback
		if lo == nil {
			continue
		}
		ns := v.Namespace()
		nodeNS := t.Router(v.Node).Namespace()
		add(AddDummy{NS: nodeNS, Name: lo.Name},
			MoveLink{NS: nodeNS, Name: lo.Name, Target: ns},
			SetLinkUp{NS: ns, Name: lo.Name},
			AddAddr{NS: ns, Name: lo.Name, Address: lo.Address})
	}

	for _, l := range t.Leaks {
		nodeNS := t.Router(t.VRF(l.A).Node).Namespace()
		mac := l.MAC
		if mac == "" {
			mac = util.DeriveMAC(l.A + "/" + l.Z)
		}
		add(vethPair(nodeNS, l.A, l.Z, mac)...)
		add(MoveLink{NS: nodeNS, Name: l.A, Target: l.Z},
			MoveLink{NS: nodeNS, Name: l.Z, Target: l.A},
			SetLinkUp{NS: l.A, Name: l.Z},
			SetLinkUp{NS: l.Z, Name: l.A})
	}

	for _, v := range t.VRFs {
		bb := v.Backbone
		if bb == nil {
			continue
		}
		ns := v.Namespace()
		nodeNS := t.Router(v.Node).Namespace()
		name := bb.Name
		if name == "" {
			name = DefaultBackbone
		}
		mac := bb.MAC
		if mac == "" {
			mac = util.DeriveMAC(ns + "/" + name)
		}
		add(vethPair(nodeNS, ns, name, mac)...)
		add(MoveLink{NS: nodeNS, Name: name, Target: ns},
			SetLinkUp{NS: ns, Name: name},
			SetLinkUp{NS: nodeNS, Name: ns})
	}

	return p, nil
}

// vethPair creates a pair with ARP disabled and the same MAC on both ends.
func vethPair(ns, a, z, mac string) []Op {
	return []Op{
		AddVeth{NS: ns, Name: a, Peer: z},
		SetARPOff{NS: ns, Name: a},
		SetARPOff{NS: ns, Name: z},
		SetHardwareAddr{NS: ns, Name: a, MAC: mac},
		SetHardwareAddr{NS: ns, Name: z, MAC: mac},
	}
}

// TeardownOps returns the inverses of executed, latest first.
func TeardownOps(executed []Op) []Op {
	var out []Op
	for i := len(executed) - 1; i >= 0; i-- {
		if inv := executed[i].Inverse(); inv != nil {
			out = append(out, inv)
		}
	}
	return out
}

// Script renders the plan as ip(8) command lines for review.
func (p *Plan) Script() []string {
	lines := []string{fmt.Sprintf("# fabric %s: pre-clean (errors ignored)", p.Fabric)}
	for _, op := range p.PreClean {
		lines = append(lines, op.String())
	}
	lines = append(lines, "# setup")
	for _, op := range p.Setup {
		lines = append(lines, op.String())
	}
	lines = append(lines, "# teardown")
	for _, op := range TeardownOps(p.Setup) {
		lines = append(lines, op.String())
	}
	return lines
}
