// Command magicfs mounts the semantic filesystem over a set of watched
// directories. See internal/cmd for the subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/bryceygordon/magicfs/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
