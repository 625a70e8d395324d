package main

import (
	"os"

	"github.com/jurafish/aspia/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
