// Package main is the leon command line client. It drives a running
// leond daemon over its HTTP API.
package main

import (
	"flag"
	"fmt"
	"os"
)

const defaultAPIURL = "http://localhost:8080"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: leon [-api URL] <command> [arguments]

Commands:
  thread create -sandbox NAME [-cwd DIR] [-agent NAME]
  thread list
  thread get THREAD
  thread delete THREAD
  run start THREAD -m MESSAGE [-trajectory]
  run cancel THREAD
  run tail THREAD [-after SEQ]
  message send THREAD -m MESSAGE [-interrupt]
  operator orphans
  operator adopt -thread THREAD -provider NAME -instance ID
  operator destroy -provider NAME -instance ID
  operator leases [-diverged]
  operator events

The API address comes from -api or LEON_API_URL (default %s).
`, defaultAPIURL)
}

func main() {
	apiURL := flag.String("api", envOr("LEON_API_URL", defaultAPIURL), "base URL of the leond API")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}

	c := newClient(*apiURL)

	var err error
	switch args[0] + " " + args[1] {
	case "thread create":
		err = cmdThreadCreate(c, args[2:])
	case "thread list":
		err = cmdThreadList(c)
	case "thread get":
		err = cmdThreadGet(c, args[2:])
	case "thread delete":
		err = cmdThreadDelete(c, args[2:])
	case "run start":
		err = cmdRunStart(c, args[2:])
	case "run cancel":
		err = cmdRunCancel(c, args[2:])
	case "run tail":
		err = cmdRunTail(c, args[2:])
	case "message send":
		err = cmdMessageSend(c, args[2:])
	case "operator orphans":
		err = cmdOperatorOrphans(c)
	case "operator adopt":
		err = cmdOperatorAdopt(c, args[2:])
	case "operator destroy":
		err = cmdOperatorDestroy(c, args[2:])
	case "operator leases":
		err = cmdOperatorLeases(c, args[2:])
	case "operator events":
		err = cmdOperatorEvents(c)
	default:
		fmt.Fprintf(os.Stderr, "leon: unknown command %q\n\n", args[0]+" "+args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "leon: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// fatalUsage reports a malformed invocation and exits with the usage code.
func fatalUsage(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "leon: "+format+"\n", args...)
	fmt.Fprintln(os.Stderr, "Run 'leon' with no arguments for usage.")
	os.Exit(2)
}

// threadArg pops the leading positional thread id off args.
func threadArg(command string, args []string) (string, []string) {
	if len(args) == 0 || len(args[0]) == 0 || args[0][0] == '-' {
		fatalUsage("%s requires a thread id", command)
	}
	return args[0], args[1:]
}
