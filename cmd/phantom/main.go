// Command phantom launches a target program with the interception agent
// preloaded. It owns none of the capture logic itself; the interactive
// dashboard is an external collaborator, so this launcher stays
// deliberately thin.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("phantom", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "phantom — run a program under zero-instrumentation capture\n\nUsage:\n  phantom [flags] -- <command> [args...]\n\nFlags:\n")
		fs.PrintDefaults()
	}

	agentLib := fs.String("agent", "phantom-agent.so", "path to the interception shared library")
	socketPath := fs.String("socket", "/tmp/phantom.sock", "unixgram socket path the collector binds")
	mysqlPort := fs.Int("mysql-port", 3306, "MySQL destination port to recognize")
	showVersion := fs.Bool("version", false, "show version and exit")

	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("phantom %s\n", version)
		return
	}

	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}

	if err := run(*agentLib, *socketPath, *mysqlPort, fs.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "phantom: %v\n", err)
		os.Exit(1)
	}
}

func run(agentLib, socketPath string, mysqlPort int, command []string) error {
	path, err := exec.LookPath(command[0])
	if err != nil {
		return fmt.Errorf("resolve %s: %w", command[0], err)
	}

	env := os.Environ()
	env = append(env,
		"LD_PRELOAD="+agentLib,
		"PHANTOM_SOCKET="+socketPath,
		fmt.Sprintf("PHANTOM_MYSQL_PORT=%d", mysqlPort),
	)

	return syscall.Exec(path, command, env)
}
