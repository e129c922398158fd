// Command fleetcoord runs and administers fleet coordination: the per-replica
// coordination process, bootstrap of a new fleet's replica set and peer
// listings.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func run(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintln(os.Stderr, exitErr.err)
		}
		return exitErr.code
	}
	fmt.Fprintln(os.Stderr, err)
	return 2
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}
