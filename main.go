// bock is the core OCI-compliant container runtime of the Bock ecosystem.
package main

import (
	"fmt"
	"os"

	"bock/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
