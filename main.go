// The main package for the sensorcrawl executable.
package main

import (
	"os"

	"github.com/JakeFAU/sensor-archive-crawler/cmd"
)

// main defers all execution to the Cobra CLI and exits with its status.
func main() {
	os.Exit(cmd.Execute())
}
