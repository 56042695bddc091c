package fabric

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/newtron-network/topotest/pkg/util"
)

// NSState is the lifecycle position of one namespace.
type NSState int

const (
	NSAbsent NSState = iota
	NSCreated
	NSInterfacesAttached
	NSAddressed
	NSUp
	NSTornDown
)

var nsStateNames = []string{"absent", "created", "interfaces-attached", "addressed", "up", "torn-down"}

func (s NSState) String() string {
	if int(s) < len(nsStateNames) {
		return nsStateNames[s]
	}
	return fmt.Sprintf("NSState(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s NSState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *NSState) UnmarshalText(b []byte) error {
	for i, n := range nsStateNames {
		if n == string(b) {
			*s = NSState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown namespace state %q", b)
}

// Handle is the record of a built fabric: every op that succeeded, in
// order, plus the state of each namespace. Teardown consumes it.
type Handle struct {
	Fabric   string
	Created  time.Time
	Executed []Op
	States   map[string]NSState

	lock *flock.Flock
}

func newHandle(fabric string) *Handle {
	return &Handle{
		Fabric:  fabric,
		Created: time.Now(),
		States:  map[string]NSState{},
	}
}

// State returns the state of ns, NSAbsent if the fabric never created it.
func (h *Handle) State(ns string) NSState {
	return h.States[ns]
}

// Namespaces returns the namespaces the handle tracks, sorted.
func (h *Handle) Namespaces() []string {
	names := make([]string, 0, len(h.States))
	for n := range h.States {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// TeardownOps returns the ops that undo this handle.
func (h *Handle) TeardownOps() []Op {
	return TeardownOps(h.Executed)
}

func (h *Handle) record(op Op) {
	h.Executed = append(h.Executed, op)
	h.apply(op)
}

func (h *Handle) apply(op Op) {
	switch o := op.(type) {
	case AddNamespace:
		h.States[o.Name] = NSCreated
	case DelNamespace:
		if _, ok := h.States[o.Name]; ok {
			h.States[o.Name] = NSTornDown
		}
	case MoveLink:
		h.advance(o.Target, NSInterfacesAttached)
	case AddAddr:
		h.advance(o.NS, NSAddressed)
	case SetLinkUp:
		if o.Name != "lo" {
			h.advance(o.NS, NSUp)
		}
	}
}

// advance moves ns forward to s. States never move backwards and a torn
// down namespace stays torn down.
func (h *Handle) advance(ns string, s NSState) {
	cur, ok := h.States[ns]
	if !ok || cur == NSTornDown || cur >= s {
		return
	}
	h.States[ns] = s
}

func (h *Handle) release() {
	if h.lock != nil {
		h.lock.Unlock()
		h.lock = nil
	}
}

// ============================================================================
// Persistence
// ============================================================================

type opRecord struct {
	Kind string          `json:"kind"`
	Op   json.RawMessage `json:"op"`
}

type handleFile struct {
	Fabric   string             `json:"fabric"`
	Created  time.Time          `json:"created"`
	Executed []opRecord         `json:"executed"`
	States   map[string]NSState `json:"states"`
}

// MarshalJSON encodes ops with their kind so they can be decoded again.
func (h *Handle) MarshalJSON() ([]byte, error) {
	f := handleFile{Fabric: h.Fabric, Created: h.Created, States: h.States}
	for _, op := range h.Executed {
		raw, err := json.Marshal(op)
		if err != nil {
			return nil, err
		}
		f.Executed = append(f.Executed, opRecord{Kind: op.Kind(), Op: raw})
	}
	return json.Marshal(f)
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *Handle) UnmarshalJSON(data []byte) error {
	var f handleFile
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	h.Fabric = f.Fabric
	h.Created = f.Created
	h.States = f.States
	if h.States == nil {
		h.States = map[string]NSState{}
	}
	h.Executed = nil
	for i, rec := range f.Executed {
		ptr, err := decodeOp(rec.Kind)
		if err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
		if err := json.Unmarshal(rec.Op, ptr); err != nil {
			return fmt.Errorf("op %d (%s): %w", i, rec.Kind, err)
		}
		h.Executed = append(h.Executed, deref(ptr))
	}
	return nil
}

// deref turns the *T returned by decodeOp into the T value ops are used as.
func deref(op Op) Op {
	switch o := op.(type) {
	case *AddNamespace:
		return *o
	case *DelNamespace:
		return *o
	case *AddVeth:
		return *o
	case *AddDummy:
		return *o
	case *AddBridge:
		return *o
	case *DelLink:
		return *o
	case *MoveLink:
		return *o
	case *SetLinkUp:
		return *o
	case *SetARPOff:
		return *o
	case *SetHardwareAddr:
		return *o
	case *AddAddr:
		return *o
	case *SetMaster:
		return *o
	case *AddRoute:
		return *o
	}
	return op
}

func fabricDir(stateDir string) string {
	return filepath.Join(stateDir, "fabrics")
}

func handlePath(stateDir, fabric string) string {
	return filepath.Join(fabricDir(stateDir), fabric+".json")
}

// SaveHandle writes h to <stateDir>/fabrics/<fabric>.json.
func SaveHandle(stateDir string, h *Handle) error {
	if err := os.MkdirAll(fabricDir(stateDir), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(h, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal fabric handle: %w", err)
	}
	path := handlePath(stateDir, h.Fabric)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write fabric handle: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadHandle reads a persisted handle.
func LoadHandle(stateDir, fabric string) (*Handle, error) {
	data, err := os.ReadFile(handlePath(stateDir, fabric))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("fabric %s: %w", fabric, util.ErrNotFound)
		}
		return nil, fmt.Errorf("read fabric handle: %w", err)
	}
	h := &Handle{}
	if err := json.Unmarshal(data, h); err != nil {
		return nil, fmt.Errorf("parse fabric handle %s: %w", fabric, err)
	}
	return h, nil
}

// RemoveHandle deletes a persisted handle. A missing file is not an error.
func RemoveHandle(stateDir, fabric string) error {
	err := os.Remove(handlePath(stateDir, fabric))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListFabrics returns the names of persisted fabrics.
func ListFabrics(stateDir string) ([]string, error) {
	entries, err := os.ReadDir(fabricDir(stateDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list fabrics: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, strings.TrimSuffix(e.Name(), ".json"))
		}
	}
	sort.Strings(names)
	return names, nil
}

// AcquireLock takes the exclusive lock for fabric. The lock is held until
// the returned flock is unlocked or the process exits.
func AcquireLock(stateDir, fabric string) (*flock.Flock, error) {
	if err := os.MkdirAll(fabricDir(stateDir), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	lk := flock.New(filepath.Join(fabricDir(stateDir), fabric+".lock"))
	ok, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock fabric %s: %w", fabric, err)
	}
	if !ok {
		return nil, fmt.Errorf("fabric %s: %w", fabric, util.ErrLocked)
	}
	return lk, nil
}
