// Package testutil provides shared test fixtures: hardware descriptions,
// activation parameters and loopback admin requests.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/banshee-data/motion.bridge/internal/config"
)

// URJoints are the joint names of a six axis arm.
var URJoints = []string{
	"shoulder_pan_joint",
	"shoulder_lift_joint",
	"elbow_joint",
	"wrist_1_joint",
	"wrist_2_joint",
	"wrist_3_joint",
}

// FTSensor is the force/torque sensor name used by HardwareInfo.
const FTSensor = "tcp_fts_sensor"

// JointNames returns n joint names, using URJoints when n is six.
func JointNames(n int) []string {
	if n == len(URJoints) {
		return append([]string(nil), URJoints...)
	}
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("joint_%d", i+1)
	}
	return names
}

// SimParams returns activation parameters for the simulated transport.
func SimParams() map[string]string {
	return map[string]string{
		"transport":             "sim",
		"servoj_gain":           "2000",
		"servoj_lookahead_time": "0.03",
	}
}

// HardwareInfo returns a description with n well-formed joints, a
// force/torque sensor and the given parameters.
func HardwareInfo(n int, params map[string]string) *config.HardwareInfo {
	info := &config.HardwareInfo{
		Name:       "ur_test",
		Parameters: config.HardwareParameters{},
	}
	for k, v := range params {
		info.Parameters[k] = v
	}
	for _, name := range JointNames(n) {
		info.Joints = append(info.Joints, config.ComponentInfo{
			Name:              name,
			CommandInterfaces: []string{"position", "velocity"},
			StateInterfaces:   []string{"position", "velocity", "effort"},
		})
	}
	info.Sensors = append(info.Sensors, config.ComponentInfo{
		Name:            FTSensor,
		StateInterfaces: []string{"force.x", "force.y", "force.z", "torque.x", "torque.y", "torque.z"},
	})
	return info
}

// LoopbackRequest returns a request from 127.0.0.1, which the debug
// routes accept.
func LoopbackRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// WriteFile writes content to name under dir and returns the path.
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
