// Command samgraph-go drives the pipeline standalone: parse flags into a
// RunConfig, init and start the Engine, pull every batch of every epoch
// to completion, then shut down. Grounded on the teacher's cmd/lp-*
// binaries' flag-then-Launch shape (graph-options.go's FlagsToOptions
// feeding a frame.Launch call) — none of their domain content carried
// over, only the driver pattern.
package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/SJTU-IPADS/samgraph-go/config"
	"github.com/SJTU-IPADS/samgraph-go/engine"
	"github.com/SJTU-IPADS/samgraph-go/utils"
)

func main() {
	utils.SetLoggerConsole(false)
	cfg := config.FlagsToRunConfig()

	eng := engine.New()
	if err := eng.Init(cfg); err != nil {
		log.Fatal().Err(err).Msg("engine init failed")
	}
	eng.Start()
	defer eng.Shutdown()

	stepsPerEpoch := eng.StepsPerEpoch()
	for epoch := uint32(0); epoch < cfg.NumEpoch; epoch++ {
		for step := uint32(0); step < stepsPerEpoch; step++ {
			task, err := eng.NextBatch(epoch, step)
			if err != nil {
				log.Error().Err(err).Uint32("epoch", epoch).Uint32("step", step).Msg("batch failed")
				os.Exit(1)
			}
			log.Debug().
				Uint32("epoch", epoch).
				Uint32("step", step).
				Int("input_nodes", len(task.InputNodes)).
				Int("output_nodes", len(task.OutputNodes)).
				Msg("batch ready")
		}
	}
}
