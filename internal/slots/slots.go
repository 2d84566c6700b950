// Package slots holds the named scalar cells shared between the bridge and
// the control loop that drives it. State slots flow from the robot to the
// caller; command slots flow from the caller to the robot.
package slots

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

var (
	// ErrFrozen is returned when a slot is added after the registry was frozen.
	ErrFrozen = errors.New("slot registry is frozen")
	// ErrDuplicate is returned when the same group/key is registered twice
	// within one slot set.
	ErrDuplicate = errors.New("slot already registered")
)

// NoCommand is the value a caller writes into a command slot to mean "no new
// command this cycle".
var NoCommand = math.NaN()

// IsNoCommand reports whether v is the no-command marker.
func IsNoCommand(v float64) bool { return math.IsNaN(v) }

// Cell is a single float64 that can be read and written from any goroutine.
// A Cell never moves once allocated.
type Cell struct {
	bits atomic.Uint64
}

func (c *Cell) Load() float64   { return math.Float64frombits(c.bits.Load()) }
func (c *Cell) Store(v float64) { c.bits.Store(math.Float64bits(v)) }

// Swap stores v and returns the previous value.
func (c *Cell) Swap(v float64) float64 {
	return math.Float64frombits(c.bits.Swap(math.Float64bits(v)))
}

// Slot binds a group/key name to a cell.
type Slot struct {
	Group string
	Key   string
	Cell  *Cell
}

// Name returns the "<group>/<key>" form used in logs and mode-switch requests.
func (s Slot) Name() string { return s.Group + "/" + s.Key }

// Vector is an ordered set of cells, typically one per joint.
type Vector []*Cell

// Values copies the current cell values into dst, growing it if needed.
func (v Vector) Values(dst []float64) []float64 {
	if cap(dst) < len(v) {
		dst = make([]float64, len(v))
	}
	dst = dst[:len(v)]
	for i, c := range v {
		dst[i] = c.Load()
	}
	return dst
}

// Set stores vals into the cells. Extra values are ignored.
func (v Vector) Set(vals []float64) {
	for i, c := range v {
		if i >= len(vals) {
			return
		}
		c.Store(vals[i])
	}
}

// Fill stores val into every cell.
func (v Vector) Fill(val float64) {
	for _, c := range v {
		c.Store(val)
	}
}

type slotSet struct {
	order []Slot
	index map[string]*Cell
}

func (s *slotSet) add(group, key string, initial float64) (*Cell, error) {
	name := group + "/" + key
	if _, ok := s.index[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	c := &Cell{}
	c.Store(initial)
	s.order = append(s.order, Slot{Group: group, Key: key, Cell: c})
	s.index[name] = c
	return c, nil
}

func (s *slotSet) export() []Slot {
	out := make([]Slot, len(s.order))
	copy(out, s.order)
	return out
}

// Registry owns the state and command slot sets for one bridge. Slots are
// added during construction, then the registry is frozen and the exported
// sets stay fixed until Release.
type Registry struct {
	mu      sync.RWMutex
	frozen  bool
	state   slotSet
	command slotSet
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{
		state:   slotSet{index: make(map[string]*Cell)},
		command: slotSet{index: make(map[string]*Cell)},
	}
}

// AddState allocates a state slot holding initial.
func (r *Registry) AddState(group, key string, initial float64) (*Cell, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return nil, ErrFrozen
	}
	return r.state.add(group, key, initial)
}

// AddCommand allocates a command slot holding initial.
func (r *Registry) AddCommand(group, key string, initial float64) (*Cell, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return nil, ErrFrozen
	}
	return r.command.add(group, key, initial)
}

// Freeze ends registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// ExportState returns the state slots in registration order.
func (r *Registry) ExportState() []Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.export()
}

// ExportCommand returns the command slots in registration order.
func (r *Registry) ExportCommand() []Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.command.export()
}

// State looks up a state slot by group and key.
func (r *Registry) State(group, key string) (*Cell, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.state.index[group+"/"+key]
	return c, ok
}

// Command looks up a command slot by group and key.
func (r *Registry) Command(group, key string) (*Cell, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.command.index[group+"/"+key]
	return c, ok
}

// Release drops every slot. Cells handed out earlier stay readable by their
// holders but are no longer reachable from the registry.
func (r *Registry) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = slotSet{index: make(map[string]*Cell)}
	r.command = slotSet{index: make(map[string]*Cell)}
}
