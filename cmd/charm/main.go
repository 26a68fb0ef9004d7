// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command charm is the entry point Juju's dispatch script runs for every
// hook and action of the zookeeper charm.
package main

import (
	"fmt"
	"os"

	"github.com/juju/cmd/v3"
)

func main() {
	ctx, err := cmd.DefaultContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	os.Exit(cmd.Main(newDispatchCommand(), ctx, os.Args[1:]))
}
