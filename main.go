// The main package for the ghcrawl executable.
package main

import (
	"github.com/JakeFAU/github-star-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
