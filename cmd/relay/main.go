package main

import (
	"fmt"
	"os"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/cmd/relay/commands"
)

// Version information - set during build
var (
	version = "dev"
	commit  = "none"
)

func main() {
	commands.SetVersionInfo(version, commit)
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}
