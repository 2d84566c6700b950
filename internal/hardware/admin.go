package hardware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"tailscale.com/tsweb"

	"github.com/banshee-data/motion.bridge/internal/httputil"
	"github.com/banshee-data/motion.bridge/internal/modeswitch"
	"github.com/banshee-data/motion.bridge/internal/pausing"
	"github.com/banshee-data/motion.bridge/internal/slots"
)

// status mirrors cyclic-thread state for the admin routes.
type status struct {
	mode       atomic.Int32
	pausing    atomic.Int32
	multiplier slots.Cell
}

func (s *status) publish(m *pausing.Machine, mode modeswitch.Mode) {
	s.mode.Store(int32(mode))
	s.pausing.Store(int32(m.State()))
	s.multiplier.Store(m.Multiplier())
}

// Status is a snapshot of the bridge for diagnostics.
type Status struct {
	Active         bool    `json:"active"`
	ProgramRunning bool    `json:"program_running"`
	ControlMode    string  `json:"control_mode"`
	PausingState   string  `json:"pausing_state"`
	Multiplier     float64 `json:"multiplier"`
	Joints         int     `json:"joints"`
	Transport      string  `json:"transport"`
}

// Status returns a snapshot that is safe to take from any goroutine.
func (b *Bridge) Status() Status {
	return Status{
		Active:         b.active.Load(),
		ProgramRunning: b.programRunning.Load(),
		ControlMode:    modeswitch.Mode(b.status.mode.Load()).String(),
		PausingState:   pausing.State(b.status.pausing.Load()).String(),
		Multiplier:     b.status.multiplier.Load(),
		Joints:         len(b.joints),
		Transport:      string(b.params.Transport),
	}
}

type adminRouter interface {
	AttachAdminRoutes(*http.ServeMux)
}

// AttachAdminRoutes mounts the bridge's debug routes, plus the transport's
// when it has any.
func (b *Bridge) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("bridge", "Bridge status (JSON)", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, b.Status())
	})

	debug.HandleFunc("slots", "Current state and command slot values", func(w http.ResponseWriter, r *http.Request) {
		state, command := b.ExportStateSlots(), b.ExportCommandSlots()
		if r.URL.Query().Get("format") == "json" {
			httputil.WriteJSONOK(w, map[string]map[string]*float64{
				"state":   slotValues(state),
				"command": slotValues(command),
			})
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "# state")
		writeSlots(w, state)
		fmt.Fprintln(w, "# command")
		writeSlots(w, command)
	})

	debug.HandleSilentFunc("slot-set", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		group, key, ok := strings.Cut(r.FormValue("slot"), "/")
		if !ok {
			httputil.BadRequest(w, "slot must be <group>/<key>")
			return
		}
		value, err := strconv.ParseFloat(r.FormValue("value"), 64)
		if err != nil {
			httputil.BadRequest(w, fmt.Sprintf("Invalid value: %v", err))
			return
		}
		cell, ok := b.CommandSlot(group, key)
		if !ok {
			httputil.NotFound(w, "Unknown command slot")
			return
		}
		cell.Store(value)
		logf("admin set %s/%s = %g", group, key, value)
		w.WriteHeader(http.StatusNoContent)
	})

	if ar, ok := b.transport.(adminRouter); ok {
		ar.AttachAdminRoutes(mux)
	}
}

// slotValues maps slot names to values; NaN becomes null.
func slotValues(list []slots.Slot) map[string]*float64 {
	out := make(map[string]*float64, len(list))
	for _, s := range list {
		v := s.Cell.Load()
		if slots.IsNoCommand(v) {
			out[s.Name()] = nil
			continue
		}
		out[s.Name()] = &v
	}
	return out
}

func writeSlots(w http.ResponseWriter, list []slots.Slot) {
	for _, s := range list {
		fmt.Fprintf(w, "%-48s %g\n", s.Name(), s.Cell.Load())
	}
}
