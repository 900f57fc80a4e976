package main

import (
	"context"
	"log"
	"os"

	"github.com/identkit/idagent/internal/buildinfo"
	"github.com/identkit/idagent/internal/cli"
	"github.com/identkit/idagent/internal/cli/config"
)

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := cli.NewApp(cfg)

	if err != nil {
		log.Fatalf("%v", err)
		return
	}

	app.Run(ctx)

}
