package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/borisigal/towerofbabel-sub003/internal/app"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errRun := app.Run(ctx, app.Options{ConfigPath: *configPath}); errRun != nil {
		log.WithError(errRun).Fatal("server exited")
	}
}
