package hardware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/motion.bridge/internal/config"
)

// Interfaces every joint must expose.
var (
	jointCommandInterfaces = []string{"position", "velocity"}
	jointStateInterfaces   = []string{"position", "velocity", "effort"}
)

// ContractError reports a joint whose interfaces do not match what the
// bridge drives.
type ContractError struct {
	Joint  string
	Reason string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("joint %q: %s", e.Joint, e.Reason)
}

// checkContract validates every joint and returns all violations joined.
func checkContract(info *config.HardwareInfo) error {
	var errs []error
	for _, j := range info.JointComponents() {
		if reason := matchInterfaces("command", j.CommandInterfaces, jointCommandInterfaces); reason != "" {
			errs = append(errs, &ContractError{Joint: j.Name, Reason: reason})
		}
		if reason := matchInterfaces("state", j.StateInterfaces, jointStateInterfaces); reason != "" {
			errs = append(errs, &ContractError{Joint: j.Name, Reason: reason})
		}
	}
	return errors.Join(errs...)
}

// matchInterfaces returns why got differs from want, ignoring order.
func matchInterfaces(kind string, got, want []string) string {
	if len(got) != len(want) {
		return fmt.Sprintf("has %d %s interfaces, expected %d (%s)",
			len(got), kind, len(want), strings.Join(want, ", "))
	}
	seen := make(map[string]bool, len(got))
	for _, name := range got {
		if seen[name] {
			return fmt.Sprintf("duplicate %s interface %q", kind, name)
		}
		seen[name] = true
	}
	for _, name := range want {
		if !seen[name] {
			return fmt.Sprintf("missing %s interface %q", kind, name)
		}
	}
	return ""
}
