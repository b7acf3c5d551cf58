// The main package for the jobarchiver executable.
package main

import (
	"github.com/JakeFAU/jobs-archiver/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
