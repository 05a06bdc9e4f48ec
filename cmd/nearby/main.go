package main

import (
	"github.com/proximitylab/nearby/internal/cli"
)

func main() {
	cli.Execute()
}
