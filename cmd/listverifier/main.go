// Package main implements the listverifier CLI tool.
//
// listverifier attaches uprobes to a program that maintains a singly-linked
// list and checks, while it runs, that every insert and delete leaves the
// list in the state the operation promised:
//
//  1. Insert is a head push: new_head.value == value, new_head.next == old_head
//  2. Delete rewrites exactly one link: the head, or the predecessor's next
//  3. A throttled traversal counts inserts minus deletes
//
// Usage:
//
//	listverifier run -- ./main_verif_optimised 100000   # Launch and verify
//	listverifier attach --pid 4242                      # Verify a running process
//	listverifier history                                # Past run summaries
//
// Violations are printed to stdout as they happen, one line each. The run
// summary goes to stderr at shutdown and, optionally, to a CSV file and the
// run history database.
package main

import (
	"errors"
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	err := newRootCmd().Execute()

	var exitErr *targetExitError
	if errors.As(err, &exitErr) {
		// Mirror the target's status so scripts see its result.
		os.Exit(exitErr.code)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// targetExitError carries a launched target's non-zero exit status.
type targetExitError struct {
	code int
}

func (e *targetExitError) Error() string {
	return fmt.Sprintf("target exited with status %d", e.code)
}
