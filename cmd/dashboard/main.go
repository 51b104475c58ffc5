package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/dashboard/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, app.FormatError(err))
		os.Exit(1)
	}
}
