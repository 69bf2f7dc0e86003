// File: cmd/wsecho/send.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/momentics/wsendpoint/api"
	"github.com/momentics/wsendpoint/endpoint"
)

func newSendCommand() *cobra.Command {
	var (
		subprotocols []string
		compression  bool
		headers      map[string]string
	)
	cmd := &cobra.Command{
		Use:   "send URL MESSAGE...",
		Short: "Send text messages and print the replies",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := api.DefaultOptions()
			opts.Subprotocols = subprotocols
			opts.EnableCompression = compression
			opts.ExtraHeaders = headers

			ep, err := endpoint.NewClient(args[0], opts)
			if err != nil {
				return err
			}
			ctx := context.Background()
			messages := args[1:]
			for _, m := range messages {
				if !ep.SendText(ctx, m) {
					return fmt.Errorf("message %q not accepted", m)
				}
			}

			replies := 0
			for {
				ev, err := ep.Next(ctx)
				if err != nil {
					return err
				}
				switch ev.Kind {
				case api.EventOpen:
					log.WithFields(logrus.Fields{
						"subprotocol": ev.Result.Subprotocol,
						"compression": ev.Result.CompressionAvailable,
					}).Info("open")
				case api.EventText:
					fmt.Println(ev.Text)
					replies++
					if replies == len(messages) {
						ep.Close(api.CloseNormalClosure, "")
					}
				case api.EventClose:
					if !ev.WasClean {
						return fmt.Errorf("session ended uncleanly with code %d", ev.Code)
					}
					return nil
				}
			}
		},
	}
	cmd.Flags().StringSliceVar(&subprotocols, "subprotocol", nil, "subprotocols to offer, in preference order")
	cmd.Flags().BoolVar(&compression, "compression", true, "offer permessage-deflate")
	cmd.Flags().StringToStringVarP(&headers, "header", "H", nil, "extra request headers (name=value)")
	return cmd
}
