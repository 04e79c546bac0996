// The main package for the polite-crawler executable.
package main

import (
	"github.com/JakeFAU/polite-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
