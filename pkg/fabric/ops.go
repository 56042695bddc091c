package fabric

import (
	"fmt"
	"strings"
)

// Op is one kernel mutation. Every op runs inside a namespace ("" is the
// default namespace) and renders to the equivalent ip(8) command.
type Op interface {
	// Kind names the op for logs, metrics and persisted handles.
	Kind() string
	Namespace() string
	// Args is the ip(8) argv performing the op.
	Args() []string
	// Inverse returns the op that undoes this one, or nil if deleting the
	// enclosing object undoes it already.
	Inverse() Op
	String() string
}

func ipArgs(ns string, args ...string) []string {
	if ns == "" {
		return append([]string{"ip"}, args...)
	}
	return append([]string{"ip", "-n", ns}, args...)
}

func render(op Op) string {
	return strings.Join(op.Args(), " ")
}

// AddNamespace creates a named network namespace.
type AddNamespace struct {
	Name string `json:"name"`
}

func (AddNamespace) Kind() string      { return "add-namespace" }
func (AddNamespace) Namespace() string { return "" }
func (o AddNamespace) Args() []string  { return []string{"ip", "netns", "add", o.Name} }
func (o AddNamespace) Inverse() Op     { return DelNamespace{Name: o.Name} }
func (o AddNamespace) String() string  { return render(o) }

// DelNamespace deletes a named network namespace.
type DelNamespace struct {
	Name string `json:"name"`
}

func (DelNamespace) Kind() string      { return "del-namespace" }
func (DelNamespace) Namespace() string { return "" }
func (o DelNamespace) Args() []string  { return []string{"ip", "netns", "del", o.Name} }
func (DelNamespace) Inverse() Op       { return nil }
func (o DelNamespace) String() string  { return render(o) }

// AddVeth creates a veth pair inside NS.
type AddVeth struct {
	NS   string `json:"ns,omitempty"`
	Name string `json:"name"`
	Peer string `json:"peer"`
}

func (AddVeth) Kind() string        { return "add-veth" }
func (o AddVeth) Namespace() string { return o.NS }
func (o AddVeth) Args() []string {
	return ipArgs(o.NS, "link", "add", o.Name, "type", "veth", "peer", "name", o.Peer)
}
func (o AddVeth) Inverse() Op    { return DelLink{NS: o.NS, Name: o.Name} }
func (o AddVeth) String() string { return render(o) }

// AddDummy creates a dummy interface.
type AddDummy struct {
	NS   string `json:"ns,omitempty"`
	Name string `json:"name"`
}

func (AddDummy) Kind() string        { return "add-dummy" }
func (o AddDummy) Namespace() string { return o.NS }
func (o AddDummy) Args() []string    { return ipArgs(o.NS, "link", "add", o.Name, "type", "dummy") }
func (o AddDummy) Inverse() Op       { return DelLink{NS: o.NS, Name: o.Name} }
func (o AddDummy) String() string    { return render(o) }

// AddBridge creates a Linux bridge.
type AddBridge struct {
	NS   string `json:"ns,omitempty"`
	Name string `json:"name"`
}

func (AddBridge) Kind() string        { return "add-bridge" }
func (o AddBridge) Namespace() string { return o.NS }
func (o AddBridge) Args() []string    { return ipArgs(o.NS, "link", "add", o.Name, "type", "bridge") }
func (o AddBridge) Inverse() Op       { return DelLink{NS: o.NS, Name: o.Name} }
func (o AddBridge) String() string    { return render(o) }

// DelLink deletes an interface. Deleting either end of a veth pair removes both.
type DelLink struct {
	NS   string `json:"ns,omitempty"`
	Name string `json:"name"`
}

func (DelLink) Kind() string        { return "del-link" }
func (o DelLink) Namespace() string { return o.NS }
func (o DelLink) Args() []string    { return ipArgs(o.NS, "link", "del", o.Name) }
func (DelLink) Inverse() Op         { return nil }
func (o DelLink) String() string    { return render(o) }

// MoveLink moves an interface from NS into Target. An empty Target is the
// namespace of pid 1.
type MoveLink struct {
	NS     string `json:"ns,omitempty"`
	Name   string `json:"name"`
	Target string `json:"target,omitempty"`
}

func (MoveLink) Kind() string        { return "move-link" }
func (o MoveLink) Namespace() string { return o.NS }
func (o MoveLink) Args() []string {
	target := o.Target
	if target == "" {
		target = "1"
	}
	return ipArgs(o.NS, "link", "set", "dev", o.Name, "netns", target)
}
func (o MoveLink) Inverse() Op    { return MoveLink{NS: o.Target, Name: o.Name, Target: o.NS} }
func (o MoveLink) String() string { return render(o) }

// SetLinkUp brings an interface up.
type SetLinkUp struct {
	NS   string `json:"ns,omitempty"`
	Name string `json:"name"`
}

func (SetLinkUp) Kind() string        { return "link-up" }
func (o SetLinkUp) Namespace() string { return o.NS }
func (o SetLinkUp) Args() []string    { return ipArgs(o.NS, "link", "set", "dev", o.Name, "up") }
func (SetLinkUp) Inverse() Op         { return nil }
func (o SetLinkUp) String() string    { return render(o) }

// SetARPOff disables ARP on an interface.
type SetARPOff struct {
	NS   string `json:"ns,omitempty"`
	Name string `json:"name"`
}

func (SetARPOff) Kind() string        { return "arp-off" }
func (o SetARPOff) Namespace() string { return o.NS }
func (o SetARPOff) Args() []string    { return ipArgs(o.NS, "link", "set", "dev", o.Name, "arp", "off") }
func (SetARPOff) Inverse() Op         { return nil }
func (o SetARPOff) String() string    { return render(o) }

// SetHardwareAddr sets an interface MAC address.
type SetHardwareAddr struct {
	NS   string `json:"ns,omitempty"`
	Name string `json:"name"`
	MAC  string `json:"mac"`
}

func (SetHardwareAddr) Kind() string        { return "set-mac" }
func (o SetHardwareAddr) Namespace() string { return o.NS }
func (o SetHardwareAddr) Args() []string {
	return ipArgs(o.NS, "link", "set", "dev", o.Name, "address", o.MAC)
}
func (SetHardwareAddr) Inverse() Op      { return nil }
func (o SetHardwareAddr) String() string { return render(o) }

// AddAddr assigns a CIDR address to an interface.
type AddAddr struct {
	NS      string `json:"ns,omitempty"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

func (AddAddr) Kind() string        { return "add-addr" }
func (o AddAddr) Namespace() string { return o.NS }
func (o AddAddr) Args() []string    { return ipArgs(o.NS, "addr", "add", o.Address, "dev", o.Name) }
func (AddAddr) Inverse() Op         { return nil }
func (o AddAddr) String() string    { return render(o) }

// SetMaster enslaves an interface to a bridge.
type SetMaster struct {
	NS     string `json:"ns,omitempty"`
	Name   string `json:"name"`
	Master string `json:"master"`
}

func (SetMaster) Kind() string        { return "set-master" }
func (o SetMaster) Namespace() string { return o.NS }
func (o SetMaster) Args() []string {
	return ipArgs(o.NS, "link", "set", "dev", o.Name, "master", o.Master)
}
func (SetMaster) Inverse() Op      { return nil }
func (o SetMaster) String() string { return render(o) }

// AddRoute installs a route via a gateway. Dst "default" is the default route.
type AddRoute struct {
	NS      string `json:"ns,omitempty"`
	Dst     string `json:"dst"`
	Gateway string `json:"gateway"`
}

func (AddRoute) Kind() string        { return "add-route" }
func (o AddRoute) Namespace() string { return o.NS }
func (o AddRoute) Args() []string    { return ipArgs(o.NS, "route", "add", o.Dst, "via", o.Gateway) }
func (AddRoute) Inverse() Op         { return nil }
func (o AddRoute) String() string    { return render(o) }

// linkName returns the interface an op acts on, "" for ops that create one.
func linkName(op Op) string {
	switch o := op.(type) {
	case DelLink:
		return o.Name
	case MoveLink:
		return o.Name
	case SetLinkUp:
		return o.Name
	case SetARPOff:
		return o.Name
	case SetHardwareAddr:
		return o.Name
	case AddAddr:
		return o.Name
	case SetMaster:
		return o.Name
	}
	return ""
}

// decodeOp returns a zero op of the given kind for unmarshalling.
func decodeOp(kind string) (Op, error) {
	switch kind {
	case "add-namespace":
		return &AddNamespace{}, nil
	case "del-namespace":
		return &DelNamespace{}, nil
	case "add-veth":
		return &AddVeth{}, nil
	case "add-dummy":
		return &AddDummy{}, nil
	case "add-bridge":
		return &AddBridge{}, nil
	case "del-link":
		return &DelLink{}, nil
	case "move-link":
		return &MoveLink{}, nil
	case "link-up":
		return &SetLinkUp{}, nil
	case "arp-off":
		return &SetARPOff{}, nil
	case "set-mac":
		return &SetHardwareAddr{}, nil
	case "add-addr":
		return &AddAddr{}, nil
	case "set-master":
		return &SetMaster{}, nil
	case "add-route":
		return &AddRoute{}, nil
	}
	return nil, fmt.Errorf("unknown op kind %q", kind)
}
