// File: cmd/wsecho/main.go
// wsecho is the bundled command-line tool: an echo server and a one-shot
// client for poking at WebSocket endpoints.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var log = logrus.New()

func main() {
	root := &cobra.Command{
		Use:           "wsecho",
		Short:         "WebSocket echo server and probe client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ToLower(name))
	})
	var verbose bool
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentPreRun = func(*cobra.Command, []string) {
		if verbose {
			log.SetLevel(logrus.DebugLevel)
		}
	}
	root.AddCommand(newServeCommand(), newSendCommand())

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
