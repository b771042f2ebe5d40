// Package main is the entry point for the cellrun CLI.
package main

import (
	"cellrun/cli/cmd"
)

func main() {
	cmd.Execute()
}
