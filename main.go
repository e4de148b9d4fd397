// Command ocirun is an OCI-compliant container runtime.
//
// It follows the OCI Runtime Specification and can be used as a drop-in
// replacement for runc with Docker, containerd, or other container engines.
package main

import (
	"fmt"
	"os"

	"ocirun/cmd"
	"ocirun/orchestrator"
)

func main() {
	// orchestrator.Init must run before any other initialization: when this
	// binary is re-exec'd into the intermediate or init entrypoint, it hands
	// control straight to that stage and never reaches cmd.Execute.
	if orchestrator.Init() {
		return
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
