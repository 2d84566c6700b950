package bitfield

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/motion.bridge/internal/slots"
)

func newCells(n int) slots.Vector {
	v := make(slots.Vector, n)
	for i := range v {
		v[i] = &slots.Cell{}
	}
	return v
}

func TestDecode_DigitalRoundTrip(t *testing.T) {
	want := []float64{1, 0, 1, 1, 0, 0, 0, 1, 0, 1, 0, 0, 1, 1, 1, 0, 0, 1}
	raw := Pack(want)
	if raw >= 1<<18 {
		t.Fatalf("packed value %#x exceeds 18 bits", raw)
	}

	cells := newCells(DigitalInputs.Width)
	d := NewDecoder()
	if err := d.Bind(DigitalInputs, cells); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	d.Decode(func(name string) (uint32, bool) {
		if name == DigitalInputs.Name {
			return raw, true
		}
		return 0, false
	})

	if diff := cmp.Diff(want, cells.Values(nil)); diff != "" {
		t.Errorf("decoded bits mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_BitOrderLSBFirst(t *testing.T) {
	cells := newCells(SafetyStatus.Width)
	d := NewDecoder()
	if err := d.Bind(SafetyStatus, cells); err != nil {
		t.Fatal(err)
	}
	d.Decode(func(string) (uint32, bool) { return 0b100_0000_0001, true })

	got := cells.Values(nil)
	if got[0] != 1 || got[10] != 1 {
		t.Fatalf("expected bits 0 and 10 set, got %v", got)
	}
	for i := 1; i < 10; i++ {
		if got[i] != 0 {
			t.Errorf("bit %d = %v, want 0", i, got[i])
		}
	}
}

func TestDecode_AbsentFieldHoldsPreviousValues(t *testing.T) {
	status := newCells(RobotStatus.Width)
	types := newCells(AnalogIOTypes.Width)
	d := NewDecoder()
	if err := d.Bind(RobotStatus, status); err != nil {
		t.Fatal(err)
	}
	if err := d.Bind(AnalogIOTypes, types); err != nil {
		t.Fatal(err)
	}

	d.Decode(func(string) (uint32, bool) { return 0xF, true })
	d.Decode(func(name string) (uint32, bool) {
		if name == AnalogIOTypes.Name {
			return 0x1, true
		}
		return 0, false
	})

	if diff := cmp.Diff([]float64{1, 1, 1, 1}, status.Values(nil)); diff != "" {
		t.Errorf("robot status should hold (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{1, 0, 0, 0}, types.Values(nil)); diff != "" {
		t.Errorf("analog types mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_IgnoresBitsAboveWidth(t *testing.T) {
	cells := newCells(ToolAnalogInputTypes.Width)
	d := NewDecoder()
	if err := d.Bind(ToolAnalogInputTypes, cells); err != nil {
		t.Fatal(err)
	}
	d.Decode(func(string) (uint32, bool) { return 0xFFFC, true })
	if diff := cmp.Diff([]float64{0, 0}, cells.Values(nil)); diff != "" {
		t.Errorf("high bits leaked (-want +got):\n%s", diff)
	}
}

func TestBind_Errors(t *testing.T) {
	d := NewDecoder()
	if err := d.Bind(RobotStatus, newCells(3)); err == nil {
		t.Error("expected error for width mismatch")
	}
	if err := d.Bind(Field{Name: "wide", Width: 33}, newCells(33)); err == nil {
		t.Error("expected error for width above 32")
	}
	if err := d.Bind(RobotStatus, newCells(4)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Bind(RobotStatus, newCells(4)); err == nil {
		t.Error("expected error for duplicate binding")
	}
}

func TestPackUnpack(t *testing.T) {
	tests := []struct {
		name  string
		raw   uint32
		width int
	}{
		{"zero", 0, 18},
		{"all digital", 1<<18 - 1, 18},
		{"alternating", 0b10_1010_1010, 11},
		{"single high", 1 << 3, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Pack(Unpack(tt.raw, tt.width)); got != tt.raw {
				t.Errorf("Pack(Unpack(%#x)) = %#x", tt.raw, got)
			}
		})
	}
}
