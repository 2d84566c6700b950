package hardware

import (
	"github.com/banshee-data/motion.bridge/internal/config"
	"github.com/banshee-data/motion.bridge/internal/timeutil"
	"github.com/banshee-data/motion.bridge/internal/transport"
	"github.com/banshee-data/motion.bridge/internal/transport/sim"
	"github.com/banshee-data/motion.bridge/internal/transport/stream"
)

// NewTransport builds the transport named by the "transport" parameter.
func NewTransport(p *config.Params, joints int, clock timeutil.Clock) (transport.Transport, error) {
	if p.Transport == config.TransportSim {
		return sim.New(sim.Config{
			Joints:       joints,
			Clock:        clock,
			StartRunning: true,
		}), nil
	}
	cfg, err := stream.ConfigFromParams(p)
	if err != nil {
		return nil, err
	}
	cfg.Clock = clock
	return stream.New(cfg), nil
}
