// Package main is the entry point for the shop session load test binary.
//
//   - sessions: concurrent users running the full login/activity/logout cycle
//   - stream:   many idle WebSocket subscribers to the lifecycle event stream
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "sessions":
		runSessions(os.Args[2:])
	case "stream":
		runStream(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  sessions    Session lifecycle load: create, refresh, read, token lookup, delete")
	fmt.Println("  stream      Event stream fan-out: hold N subscribers and count delivered events")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
