// Command momentum_trader runs one RSI momentum decision cycle against the
// configured futures venue and exits. Schedule it once per candle close.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"momentum_trader/internal/bootstrap"

	"github.com/joho/godotenv"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	// A missing .env is fine; credentials may come from the real environment
	_ = godotenv.Load()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cycle failed: %v\n", err)
		return bootstrap.ExitFailure
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.Close(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}()

	runner, err := bootstrap.NewCycleRunner(app)
	if err != nil {
		app.Logger.Error("cycle failed", "error", err)
		return bootstrap.ExitFailure
	}

	return bootstrap.ExitCode(app.Run(runner))
}
