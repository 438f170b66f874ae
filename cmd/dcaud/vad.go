package main

import (
	"github.com/dcaud/dcaud/internal/config"
	"github.com/dcaud/dcaud/pkg/provider/vad"
	"github.com/dcaud/dcaud/pkg/provider/vad/energy"
	"github.com/dcaud/dcaud/pkg/provider/vad/silero"
)

// registerVADEngines registers the engines that ship with dcaud. frameSize
// is detection.frame_samples; engines with a configurable frame follow it.
func registerVADEngines(reg *config.Registry, frameSize int) {
	reg.RegisterVAD("silero", func(e config.VADEntry) (vad.Engine, error) {
		eng, err := silero.New(silero.Config{
			ModelPath:   e.Model,
			LibraryPath: e.OptString("library_path"),
		})
		if err != nil {
			return nil, err
		}
		return eng, nil
	})

	reg.RegisterVAD("energy", func(e config.VADEntry) (vad.Engine, error) {
		opts := []energy.Option{energy.WithFrameSize(frameSize)}
		floor, okFloor := e.OptFloat("floor")
		ceiling, okCeiling := e.OptFloat("ceiling")
		if okFloor || okCeiling {
			if !okFloor {
				floor = energy.DefaultFloor
			}
			if !okCeiling {
				ceiling = energy.DefaultCeiling
			}
			opts = append(opts, energy.WithRange(floor, ceiling))
		}
		if alpha, ok := e.OptFloat("smoothing"); ok {
			opts = append(opts, energy.WithSmoothing(alpha))
		}
		eng, err := energy.New(opts...)
		if err != nil {
			return nil, err
		}
		return eng, nil
	})
}
