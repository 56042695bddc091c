package fabric

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/topotest/pkg/util"
)

// DefaultBackbone is the interface name zebra's "-o" option expects on the
// VRF side of a backbone link.
const DefaultBackbone = "vrf0"

// Topology describes the namespaces and links of one test fabric.
type Topology struct {
	Name    string    `yaml:"name"`
	Routers []*Router `yaml:"routers"`
	Peers   []*Peer   `yaml:"peers,omitempty"`
	VRFs    []*VRF    `yaml:"vrfs,omitempty"`
	Leaks   []*Leak   `yaml:"leaks,omitempty"`
}

// Router is a node that runs routing daemons. Unless Host is set it gets a
// namespace of its own named after it.
type Router struct {
	Name string `yaml:"name"`
	// Host places the router in the default namespace; its interfaces must
	// already exist and cannot attach to switches.
	Host       bool         `yaml:"host,omitempty"`
	Interfaces []*Interface `yaml:"interfaces,omitempty"`
}

// Namespace returns the router's namespace, "" for the default namespace.
func (r *Router) Namespace() string {
	if r.Host {
		return ""
	}
	return r.Name
}

// Interface is a router port. Address is optional; daemon configuration
// may assign it instead.
type Interface struct {
	Name    string `yaml:"name"`
	Switch  string `yaml:"switch,omitempty"`
	Address string `yaml:"address,omitempty"`
}

// Peer is an emulated BGP speaker with a single interface on one switch.
type Peer struct {
	Name      string `yaml:"name"`
	Switch    string `yaml:"switch"`
	Interface string `yaml:"interface,omitempty"`
	Address   string `yaml:"address"`
	Gateway   string `yaml:"gateway,omitempty"`
}

// InterfaceName returns the peer's interface, "<name>-eth0" by default.
func (p *Peer) InterfaceName() string {
	if p.Interface != "" {
		return p.Interface
	}
	return p.Name + "-eth0"
}

// IP returns the peer address without its mask.
func (p *Peer) IP() string {
	ip, _ := util.SplitIPMask(p.Address)
	return ip
}

// VRF is a namespace owned by one router and named "<node>-<purpose>".
type VRF struct {
	Node       string    `yaml:"node"`
	Purpose    string    `yaml:"purpose"`
	Interfaces []string  `yaml:"interfaces,omitempty"`
	Loopback   *Loopback `yaml:"loopback,omitempty"`
	Backbone   *Backbone `yaml:"backbone,omitempty"`
}

// Namespace returns "<node>-<purpose>".
func (v *VRF) Namespace() string {
	return v.Node + "-" + v.Purpose
}

// Loopback is a dummy interface placed inside a VRF namespace.
type Loopback struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// Backbone connects a VRF namespace back to its router's namespace. The
// router side is named after the VRF, the VRF side after Name.
type Backbone struct {
	Name string `yaml:"name,omitempty"`
	MAC  string `yaml:"mac,omitempty"`
}

// Leak is a veth pair between two VRF namespaces of the same router. Each
// end is named after the namespace it leads to.
type Leak struct {
	A   string `yaml:"a"`
	Z   string `yaml:"z"`
	MAC string `yaml:"mac,omitempty"`
}

// Endpoint is one member of a switch.
type Endpoint struct {
	Switch    string
	Node      string
	Namespace string
	Interface string
	// Port is the bridge-side veth name inside the switch namespace.
	Port    string
	Address string
}

// LoadTopology reads a topology from a YAML file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology %s: %w", path, err)
	}
	return ParseTopology(data)
}

// ParseTopology decodes and validates a YAML topology.
func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("parsing topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Router returns the named router or nil.
func (t *Topology) Router(name string) *Router {
	for _, r := range t.Routers {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Peer returns the named peer or nil.
func (t *Topology) Peer(name string) *Peer {
	for _, p := range t.Peers {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// VRF returns the VRF with the given namespace name or nil.
func (t *Topology) VRF(namespace string) *VRF {
	for _, v := range t.VRFs {
		if v.Namespace() == namespace {
			return v
		}
	}
	return nil
}

// NodeNamespace returns the namespace a router or peer runs in.
func (t *Topology) NodeNamespace(node string) (string, bool) {
	if r := t.Router(node); r != nil {
		return r.Namespace(), true
	}
	if p := t.Peer(node); p != nil {
		return p.Name, true
	}
	return "", false
}

// SwitchNames returns the switches referenced by routers and peers, sorted.
func (t *Topology) SwitchNames() []string {
	seen := map[string]bool{}
	for _, r := range t.Routers {
		for _, i := range r.Interfaces {
			if i.Switch != "" {
				seen[i.Switch] = true
			}
		}
	}
	for _, p := range t.Peers {
		seen[p.Switch] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Endpoints returns every switch member in declaration order: router
// interfaces first, then peers.
func (t *Topology) Endpoints() []Endpoint {
	var eps []Endpoint
	for _, r := range t.Routers {
		for _, i := range r.Interfaces {
			if i.Switch == "" {
				continue
			}
			eps = append(eps, Endpoint{
				Switch:    i.Switch,
				Node:      r.Name,
				Namespace: r.Namespace(),
				Interface: i.Name,
				Port:      portName(i.Name),
				Address:   i.Address,
			})
		}
	}
	for _, p := range t.Peers {
		eps = append(eps, Endpoint{
			Switch:    p.Switch,
			Node:      p.Name,
			Namespace: p.Name,
			Interface: p.InterfaceName(),
			Port:      portName(p.InterfaceName()),
			Address:   p.Address,
		})
	}
	return eps
}

func portName(iface string) string {
	return util.ShortName("sw-", iface)
}

// Namespaces returns every namespace the fabric creates, in creation order.
func (t *Topology) Namespaces() []string {
	var out []string
	out = append(out, t.SwitchNames()...)
	for _, r := range t.Routers {
		if !r.Host {
			out = append(out, r.Name)
		}
	}
	for _, p := range t.Peers {
		out = append(out, p.Name)
	}
	for _, v := range t.VRFs {
		out = append(out, v.Namespace())
	}
	return out
}

// Validate checks names, addresses and cross references.
func (t *Topology) Validate() error {
	vb := &util.ValidationBuilder{}
	vb.Add(t.Name != "", "topology name is required")
	vb.Add(len(t.Routers) > 0, "at least one router is required")

	namespaces := map[string]string{}
	claim := func(ns, owner string) {
		if prev, ok := namespaces[ns]; ok {
			vb.AddErrorf("namespace %q used by both %s and %s", ns, prev, owner)
			return
		}
		namespaces[ns] = owner
	}
	checkIface := func(name, owner string) {
		if err := util.ValidateInterfaceName(name); err != nil {
			vb.AddErrorf("%s: %v", owner, err)
		}
	}
	checkCIDR := func(addr, owner string) {
		if addr == "" {
			return
		}
		if _, _, err := util.ParseIPWithMask(addr); err != nil {
			vb.AddErrorf("%s: %v", owner, err)
		}
	}
	checkMAC := func(mac, owner string) {
		if mac == "" {
			return
		}
		if _, err := net.ParseMAC(mac); err != nil {
			vb.AddErrorf("%s: invalid MAC %q", owner, mac)
		}
	}

	// interface name -> owning router, for VRF membership checks
	routerIfaces := map[string]string{}
	members := map[string]int{}

	for _, r := range t.Routers {
		owner := fmt.Sprintf("router %s", r.Name)
		if r.Name == "" {
			vb.AddErrorf("router with empty name")
			continue
		}
		if !r.Host {
			claim(r.Name, owner)
		}
		for _, i := range r.Interfaces {
			checkIface(i.Name, owner)
			checkCIDR(i.Address, owner+" "+i.Name)
			if _, dup := routerIfaces[i.Name]; dup {
				vb.AddErrorf("%s: duplicate interface %s", owner, i.Name)
			}
			routerIfaces[i.Name] = r.Name
			if i.Switch != "" {
				if r.Host {
					vb.AddErrorf("%s: host router interface %s cannot attach to switch %s", owner, i.Name, i.Switch)
				}
				members[i.Switch]++
			}
		}
	}

	for _, p := range t.Peers {
		owner := fmt.Sprintf("peer %s", p.Name)
		if p.Name == "" {
			vb.AddErrorf("peer with empty name")
			continue
		}
		claim(p.Name, owner)
		checkIface(p.InterfaceName(), owner)
		vb.Add(p.Switch != "", owner+": switch is required")
		vb.Add(p.Address != "", owner+": address is required")
		checkCIDR(p.Address, owner)
		if p.Gateway != "" && net.ParseIP(p.Gateway) == nil {
			vb.AddErrorf("%s: invalid gateway %q", owner, p.Gateway)
		}
		if p.Switch != "" {
			members[p.Switch]++
		}
	}

	for _, sw := range t.SwitchNames() {
		claim(sw, "switch "+sw)
		if members[sw] < 2 {
			vb.AddErrorf("switch %s has %d member(s), need at least 2", sw, members[sw])
		}
	}

	moved := map[string]string{}
	for _, v := range t.VRFs {
		ns := v.Namespace()
		owner := "vrf " + ns
		r := t.Router(v.Node)
		if r == nil {
			vb.AddErrorf("%s: unknown router %q", owner, v.Node)
			continue
		}
		vb.Add(v.Purpose != "", owner+": purpose is required")
		claim(ns, owner)
		for _, name := range v.Interfaces {
			if routerIfaces[name] != v.Node {
				vb.AddErrorf("%s: interface %s does not belong to router %s", owner, name, v.Node)
			}
			if prev, ok := moved[name]; ok {
				vb.AddErrorf("%s: interface %s already moved into %s", owner, name, prev)
			}
			moved[name] = ns
		}
		if lo := v.Loopback; lo != nil {
			checkIface(lo.Name, owner+" loopback")
			vb.Add(lo.Address != "", owner+": loopback address is required")
			checkCIDR(lo.Address, owner+" loopback")
		}
		if bb := v.Backbone; bb != nil {
			checkIface(ns, owner+" backbone")
			if bb.Name != "" {
				checkIface(bb.Name, owner+" backbone")
			}
			checkMAC(bb.MAC, owner+" backbone")
		}
	}

	pairs := map[string]bool{}
	for _, l := range t.Leaks {
		owner := fmt.Sprintf("leak %s<->%s", l.A, l.Z)
		a, z := t.VRF(l.A), t.VRF(l.Z)
		switch {
		case a == nil || z == nil:
			vb.AddErrorf("%s: both ends must be declared vrfs", owner)
		case a == z:
			vb.AddErrorf("%s: ends must differ", owner)
		case a.Node != z.Node:
			vb.AddErrorf("%s: vrfs belong to different routers", owner)
		}
		checkIface(l.A, owner)
		checkIface(l.Z, owner)
		checkMAC(l.MAC, owner)
		key := l.A + "|" + l.Z
		if l.Z < l.A {
			key = l.Z + "|" + l.A
		}
		if pairs[key] {
			vb.AddErrorf("%s: duplicate leak", owner)
		}
		pairs[key] = true
	}

	return vb.Build()
}
