// The main package for the decisions executable.
package main

import (
	"github.com/JakeFAU/decisions-pipeline/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
