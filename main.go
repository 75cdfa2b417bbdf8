package main

import (
	"context"
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ipfs-force-community/blockbridge/cmd"
)

func main() {
	// set default log level if no flags given
	lvl := os.Getenv("BLOCKBRIDGE_LOG_LEVEL")
	level, err := logging.LevelFromString(lvl)
	if lvl == "" || err != nil {
		level = logging.LevelInfo
	}

	logging.SetAllLoggers(level)
	logging.SetLogLevel("dht", "error")       // nolint: errcheck
	logging.SetLogLevel("bitswap", "error")   // nolint: errcheck
	logging.SetLogLevel("swarm2", "error")    // nolint: errcheck
	logging.SetLogLevel("basichost", "error") // nolint: errcheck
	logging.SetLogLevel("dht_net", "error")   // nolint: errcheck
	logging.SetLogLevel("pubsub", "error")    // nolint: errcheck
	logging.SetLogLevel("relay", "error")     // nolint: errcheck

	if err := cmd.NewApp().RunContext(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err) // nolint: errcheck
		os.Exit(1)
	}
}
