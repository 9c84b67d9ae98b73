package main

import (
	"fmt"
	"os"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/app"
)

func main() {
	if err := app.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
