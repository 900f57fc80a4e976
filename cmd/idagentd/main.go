package main

import (
	"context"
	"log"

	"github.com/identkit/idagent/internal/agent"
	"github.com/identkit/idagent/internal/agent/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := agent.NewApp(cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	app.Run(ctx)

}
