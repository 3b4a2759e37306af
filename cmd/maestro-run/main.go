// Command maestro-run is the headless Auto Run CLI : it
// drives a single playbook to completion against the same persisted
// session state maestrod uses, without requiring the desktop app to be
// running.
package main

import (
	"fmt"
	"os"

	"github.com/maestro/engine/internal/cli"
)

func main() {
	err := cli.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(cli.ExitCode(err))
}
