// Command spheremsg is the private messaging client for the Sphere marketplace.
package main

import (
	"os"

	"github.com/unicitylabs/spheremsg/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
