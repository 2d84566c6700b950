// Package bitfield unpacks packed status integers from telemetry into one
// scalar cell per bit.
package bitfield

import (
	"fmt"

	"github.com/banshee-data/motion.bridge/internal/slots"
)

// Field names a packed integer in the telemetry stream and its bit width.
type Field struct {
	Name  string
	Width int
}

// Telemetry fields carrying packed bits.
var (
	DigitalInputs        = Field{Name: "actual_digital_input_bits", Width: 18}
	DigitalOutputs       = Field{Name: "actual_digital_output_bits", Width: 18}
	SafetyStatus         = Field{Name: "safety_status_bits", Width: 11}
	RobotStatus          = Field{Name: "robot_status_bits", Width: 4}
	AnalogIOTypes        = Field{Name: "analog_io_types", Width: 4}
	ToolAnalogInputTypes = Field{Name: "tool_analog_input_types", Width: 2}
)

// Fields lists every packed field the bridge exposes, in decode order.
var Fields = []Field{
	DigitalInputs,
	DigitalOutputs,
	SafetyStatus,
	RobotStatus,
	AnalogIOTypes,
	ToolAnalogInputTypes,
}

type binding struct {
	field Field
	cells []*slots.Cell
}

// Decoder writes bit i of each bound field into cell i, least significant
// bit first. The bit-to-cell mapping is fixed when the field is bound.
type Decoder struct {
	bindings []binding
	names    map[string]bool
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{names: make(map[string]bool)}
}

// Bind attaches cells to a field. The number of cells must equal the field
// width.
func (d *Decoder) Bind(f Field, cells []*slots.Cell) error {
	if f.Width <= 0 || f.Width > 32 {
		return fmt.Errorf("field %s: width %d out of range 1-32", f.Name, f.Width)
	}
	if len(cells) != f.Width {
		return fmt.Errorf("field %s: %d cells for %d bits", f.Name, len(cells), f.Width)
	}
	if d.names[f.Name] {
		return fmt.Errorf("field %s: already bound", f.Name)
	}
	d.names[f.Name] = true
	d.bindings = append(d.bindings, binding{field: f, cells: cells})
	return nil
}

// Decode pulls each bound field through lookup and unpacks it. Fields that
// lookup does not report keep their previous cell values.
func (d *Decoder) Decode(lookup func(name string) (uint32, bool)) {
	for _, b := range d.bindings {
		raw, ok := lookup(b.field.Name)
		if !ok {
			continue
		}
		for i, c := range b.cells {
			if raw&(1<<uint(i)) != 0 {
				c.Store(1)
			} else {
				c.Store(0)
			}
		}
	}
}

// Pack builds an integer from per-bit values; any non-zero value sets the bit.
func Pack(bits []float64) uint32 {
	var out uint32
	for i, v := range bits {
		if i >= 32 {
			break
		}
		if v != 0 {
			out |= 1 << uint(i)
		}
	}
	return out
}

// Unpack expands the low width bits of raw into 0/1 values.
func Unpack(raw uint32, width int) []float64 {
	out := make([]float64, width)
	for i := range out {
		if raw&(1<<uint(i)) != 0 {
			out[i] = 1
		}
	}
	return out
}
