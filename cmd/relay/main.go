// Command relay runs the chat relay server: a TCP acceptor that assigns
// ticketed names to connecting sessions and routes directed messages,
// wildcard broadcasts, and name/who/protocol commands between them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tenzoki/relaybroker/internal/config"
	"github.com/tenzoki/relaybroker/internal/logging"
	"github.com/tenzoki/relaybroker/internal/relay"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "relay: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	addr := cfg.Relay.Address
	if args := flag.Args(); len(args) == 1 {
		addr = ":" + args[0]
	}

	log := logging.Default()
	log.SetDebug(cfg.Relay.Debug)

	srv := relay.NewServer(log)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal: %s, shutting down...", sig)
		cancel()
	}()

	if err := srv.Serve(ctx, addr); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
