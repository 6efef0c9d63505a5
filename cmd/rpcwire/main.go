// Command rpcwire talks to an RPC server from the command line: it
// negotiates auth keys, invokes schema methods and manages stored state.
package main

import (
	"fmt"
	"os"

	"github.com/opd-ai/rpcwire/cmd/rpcwire/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rpcwire:", err)
		os.Exit(1)
	}
}
