// Package main is the single-binary entrypoint for sleuth.
package main

import "github.com/chain-sleuth/sleuth/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
