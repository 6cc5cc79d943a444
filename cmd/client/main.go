// Command client is a line-forwarding broker-adapter driver: it connects to
// a relay, performs the name/overlay handshake against a peer named
// "broker", and forwards every non-empty line of standard input as an
// overlay payload addressed to that peer.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/tenzoki/relaybroker/internal/broker"
	"github.com/tenzoki/relaybroker/internal/config"
	"github.com/tenzoki/relaybroker/internal/logging"
)

func main() {
	name := flag.String("name", "", "chat name to request (empty: accept a ticketed name)")
	brokerName := flag.String("broker", "broker", "relay name of the broker peer to address")
	configFile := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	if flag.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s [-name NAME] [-broker NAME] <host> <port>\n", os.Args[0])
		os.Exit(1)
	}
	host, port := flag.Arg(0), flag.Arg(1)

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "client: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	log := logging.Default()
	log.SetDebug(cfg.Relay.Debug)

	c := broker.NewClient(*name, *brokerName, nil, log)
	c.SubscribedItems = cfg.Adapter.Subscribe

	addr := host + ":" + port
	if err := c.Connect(addr, cfg.Adapter.DialTimeout()); err != nil {
		fmt.Fprintf(os.Stderr, "client: %v\n", err)
		os.Exit(1)
	}
	defer c.Disconnect()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		c.Send(line, true)
	}
}
