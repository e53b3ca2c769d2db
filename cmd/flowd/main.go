// Command flowd runs the workflow engine as a service, or runs a single
// workflow file from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "serve":
		err = serveCommand(os.Args[2:])
	case "run":
		err = runCommand(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		color.Red("Error: unknown command %q", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `flowd - workflow execution engine

Usage:
  %[1]s serve [-config flowd.yaml]     Run the HTTP API, triggers and workers
  %[1]s run -f workflow.yaml [options] Execute one workflow and print its output

Run "%[1]s <command> -h" for command options.

Environment:
  FLOW_LISTEN, FLOW_LOG_LEVEL, FLOW_LOG_FORMAT, FLOW_WORKER_ID,
  FLOW_WORKFLOWS_DIR, FLOW_STORE_DRIVER, FLOW_STORE_DSN, FLOW_QUEUE_DRIVER,
  FLOW_REDIS_ADDR, FLOW_QUEUE_PREFIX, FLOW_QUEUE_WORKERS, FLOW_QUEUE_RATE,
  FLOW_MAX_IN_FLIGHT, FLOW_CLAIM_TTL, FLOW_MAX_WAIT, FLOW_SCRIPT_ENGINE
`, os.Args[0])
}
