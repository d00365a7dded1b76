package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/imds-filter/pkg/filterd"
)

func main() {
	cmd := filterd.Command()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", filterd.ProcessName, err)
		os.Exit(1)
	}
}
