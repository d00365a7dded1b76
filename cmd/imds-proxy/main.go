package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/imds-filter/pkg/proxyd"
)

func main() {
	cmd := proxyd.Command()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", proxyd.ProcessName, err)
		os.Exit(1)
	}
}
