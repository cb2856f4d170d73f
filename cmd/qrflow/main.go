package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	logging "github.com/ipfs/go-log/v2"
)

func main() {
	if _, ok := os.LookupEnv("GOLOG_LOG_LEVEL"); !ok {
		logging.SetAllLoggers(logging.LevelError)
	}

	root := &cobra.Command{
		Use:           "qrflow",
		Short:         "fountain-coded file transfer over a one-way droplet channel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(NewTxCmd())
	root.AddCommand(NewRxCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "qrflow: %v\n", err)
		os.Exit(1)
	}
}
