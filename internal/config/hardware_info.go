package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ComponentInfo describes one joint or sensor and the interfaces it exposes.
type ComponentInfo struct {
	Name              string   `yaml:"name"`
	CommandInterfaces []string `yaml:"command_interfaces"`
	StateInterfaces   []string `yaml:"state_interfaces"`
}

// HardwareParameters is the raw activation parameter map. Scalar YAML values
// of any type are kept as their literal text.
type HardwareParameters map[string]string

// UnmarshalYAML accepts a mapping of scalars.
func (p *HardwareParameters) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: hardware_parameters must be a mapping", node.Line)
	}
	out := make(HardwareParameters, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: parameter %q must be a scalar", v.Line, k.Value)
		}
		out[k.Value] = v.Value
	}
	*p = out
	return nil
}

// HardwareInfo is the hardware description for one robot.
type HardwareInfo struct {
	Name       string             `yaml:"name"`
	Parameters HardwareParameters `yaml:"hardware_parameters"`
	Joints     []ComponentInfo    `yaml:"joints"`
	Sensors    []ComponentInfo    `yaml:"sensors"`
}

// Component names that appear among the joints but are not joints.
var nonJointComponents = map[string]bool{
	"gpio":                 true,
	"speed_scaling":        true,
	"resend_robot_program": true,
	"system_interface":     true,
	"payload":              true,
}

// IsJoint reports whether a component named name is a robot joint.
func IsJoint(name string) bool { return !nonJointComponents[name] }

// JointComponents returns the joint entries, skipping auxiliary components.
func (h *HardwareInfo) JointComponents() []ComponentInfo {
	var out []ComponentInfo
	for _, j := range h.Joints {
		if IsJoint(j.Name) {
			out = append(out, j)
		}
	}
	return out
}

// JointNames returns the joint names in description order.
func (h *HardwareInfo) JointNames() []string {
	joints := h.JointComponents()
	out := make([]string, len(joints))
	for i, j := range joints {
		out[i] = j.Name
	}
	return out
}

const maxDescriptionSize = 1 << 20

// LoadHardwareInfo reads a YAML hardware description.
func LoadHardwareInfo(path string) (*HardwareInfo, error) {
	cleanPath := filepath.Clean(path)
	if ext := strings.ToLower(filepath.Ext(cleanPath)); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("hardware description must have .yaml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat hardware description: %w", err)
	}
	if fileInfo.Size() > maxDescriptionSize {
		return nil, fmt.Errorf("hardware description too large: %d bytes (max %d)", fileInfo.Size(), maxDescriptionSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read hardware description: %w", err)
	}
	return ParseHardwareInfo(data)
}

// ParseHardwareInfo decodes a YAML hardware description.
func ParseHardwareInfo(data []byte) (*HardwareInfo, error) {
	var info HardwareInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse hardware description: %w", err)
	}
	if info.Parameters == nil {
		info.Parameters = HardwareParameters{}
	}
	if len(info.JointComponents()) == 0 {
		return nil, fmt.Errorf("hardware description %q lists no joints", info.Name)
	}
	return &info, nil
}
