package main

import (
	"os"

	"photpipe/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
