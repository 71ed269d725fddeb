package main

import (
	"os"

	"github.com/geofilter/geofilter/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
