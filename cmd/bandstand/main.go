package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/bandstand/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "bandstand: %v\n", err)
		os.Exit(1)
	}
}
