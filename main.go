// Package main runs the end of line test station as a viam module.
package main

import (
	"context"

	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/utils"

	"github.com/oto-labs/eol-station/station"
)

func main() {
	utils.ContextualMain(mainWithArgs, module.NewLoggerFromArgs("eol-station"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	module, err := module.NewModuleFromArgs(ctx)
	if err != nil {
		return err
	}

	if err = module.AddModelFromRegistry(ctx, generic.API, station.Model); err != nil {
		return err
	}

	err = module.Start(ctx)
	defer module.Close(ctx)
	if err != nil {
		return err
	}

	logger.Infof("serving %s", station.Model)
	<-ctx.Done()
	return nil
}
