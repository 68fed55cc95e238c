package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/epli2/phantom/collector"
	"github.com/epli2/phantom/fanout"
	"github.com/epli2/phantom/store"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("phantom-collectord", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "phantom-collectord — trace collector daemon for phantom\n\nUsage:\n  phantom-collectord [flags]\n\nFlags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment:\n  PHANTOM_SOCKET    overrides -socket when set\n")
	}

	socketPath := fs.String("socket", "/tmp/phantom.sock", "unixgram socket path the agent sends datagrams to")
	dbDir := fs.String("db", "phantom-data", "directory for the persistent trace store")
	channelCapacity := fs.Int("channel-capacity", fanout.DefaultCapacity, "fan-out channel capacity per trace kind")
	showVersion := fs.Bool("version", false, "show version and exit")

	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("phantom-collectord %s\n", version)
		return
	}

	if env := os.Getenv("PHANTOM_SOCKET"); env != "" {
		*socketPath = env
	}

	if err := run(*socketPath, *dbDir, *channelCapacity); err != nil {
		log.Fatal(err)
	}
}

func run(socketPath, dbDir string, channelCapacity int) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(dbDir)
	if err != nil {
		return fmt.Errorf("open store %s: %w", dbDir, err)
	}
	defer func() { _ = st.Close() }()

	bus := fanout.New(channelCapacity)

	go func() {
		for tr := range bus.HTTP() {
			_ = tr // downstream consumers (dashboard, JSON-lines sink) are external collaborators
		}
	}()
	go func() {
		for tr := range bus.MySQL() {
			_ = tr
		}
	}()

	c := collector.New(socketPath, st, bus, log.Default())
	log.Printf("collector listening on %s", socketPath)
	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("collector: %w", err)
	}
	log.Printf("collector stopped")
	return nil
}
