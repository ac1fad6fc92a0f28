// Command tasctl is the CLI client for tasd's introspection RPC
// (SPEC_FULL.md §4.10): flow/app/listener queries, daemon status, and a
// live event stream, plus an interactive shell wrapping the same
// subcommands.
package main

import "github.com/tcp-acceleration-service/tas-sub000/cmd/tasctl/commands"

func main() {
	commands.Execute()
}
