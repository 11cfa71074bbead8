// Package main refines a serialized global map offline: scans are
// re-registered inside each submap, the submap pose graph is
// re-optimized with loop closures, and the results are exported.
package main

import (
	"context"
	"os"

	"github.com/edaniels/golog"
	"go.viam.com/utils"

	"go.percepta.dev/slam/config"
	"go.percepta.dev/slam/globalmap"
)

var logger = golog.NewDebugLogger("refine")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	MapDir      string `flag:"0,required,usage=serialized global map directory"`
	OutputDir   string `flag:"output,usage=directory for results (defaults to the map directory)"`
	ConfigFile  string `flag:"config,usage=config file carrying a global_map_refinement section"`
	SaveInitial bool   `flag:"save-initial,usage=also export the pre-refinement trajectory and maps"`
	WriteMap    bool   `flag:"write-map,usage=write the refined global map back to the map directory"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	var params globalmap.RefinementParams
	if argsParsed.ConfigFile != "" {
		cfg, err := config.Read(argsParsed.ConfigFile)
		if err != nil {
			return err
		}
		params = cfg.Refinement
	}

	refinement, err := globalmap.LoadRefinement(ctx, argsParsed.MapDir, params, logger)
	if err != nil {
		return err
	}
	if err := refinement.Run(ctx); err != nil {
		return err
	}

	outDir := argsParsed.OutputDir
	if outDir == "" {
		outDir = argsParsed.MapDir
	}
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return err
	}
	if err := refinement.SaveResults(outDir, argsParsed.SaveInitial); err != nil {
		return err
	}
	if argsParsed.WriteMap {
		if err := refinement.SaveGlobalMapData(argsParsed.MapDir); err != nil {
			return err
		}
	}
	logger.Infow("refinement complete", "results", outDir)
	return nil
}
