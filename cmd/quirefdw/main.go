// Package main is the entry point for the quirefdw binary.
package main

import (
	"os"

	"github.com/elbader17/quirefdw/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
