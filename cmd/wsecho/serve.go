// File: cmd/wsecho/serve.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/momentics/wsendpoint/api"
	"github.com/momentics/wsendpoint/endpoint"
	"github.com/momentics/wsendpoint/server"
)

func newServeCommand() *cobra.Command {
	var (
		addr        string
		subprotocol string
		compression bool
		fastOpen    bool
		maxPayload  int64
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := api.DefaultOptions()
			opts.EnableCompression = compression
			opts.EnableFastOpen = fastOpen
			if maxPayload > 0 {
				opts.MaximumIncomingMessagePayloadSize = maxPayload
			}
			s, err := server.Listen(addr, server.WithLogger(log), server.WithEndpointOptions(opts))
			if err != nil {
				return err
			}
			defer s.Shutdown()
			log.WithField("addr", s.Addr()).Info("listening")

			for req := range s.Requests() {
				if !req.UpgradeRequested {
					req.RespondPlain(404, "wsecho answers WebSocket upgrades only\n")
					continue
				}
				selected := ""
				for _, offered := range req.Subprotocols {
					if offered == subprotocol {
						selected = subprotocol
						break
					}
				}
				ep, err := req.Upgrade(selected, nil, &opts)
				if err != nil {
					log.WithError(err).Warn("upgrade failed")
					continue
				}
				go serveEcho(ep, log.WithField("remote", req.RemoteAddr))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&subprotocol, "subprotocol", "", "subprotocol to accept when offered")
	cmd.Flags().BoolVar(&compression, "compression", true, "negotiate permessage-deflate")
	cmd.Flags().BoolVar(&fastOpen, "fast-open", false, "enable TCP fast open")
	cmd.Flags().Int64Var(&maxPayload, "max-payload", 0, "maximum inbound message size in bytes (0 = unlimited)")
	return cmd
}

func serveEcho(ep *endpoint.Endpoint, log logrus.FieldLogger) {
	ctx := context.Background()
	for {
		ev, err := ep.Next(ctx)
		if err != nil {
			return
		}
		switch ev.Kind {
		case api.EventOpen:
			log.WithField("compression", ev.Result.CompressionAvailable).Info("open")
		case api.EventText:
			log.WithField("bytes", len(ev.Text)).Debug("echo text")
			ep.SendText(ctx, ev.Text)
		case api.EventBinary:
			log.WithField("bytes", len(ev.Data)).Debug("echo binary")
			ep.SendBinary(ctx, ev.Data)
		case api.EventPing:
			log.Debug("ping")
		case api.EventClose:
			stats := ep.SampleStatistics(false)
			log.WithFields(logrus.Fields{
				"code":     int(ev.Code),
				"clean":    ev.WasClean,
				"inMsgs":   stats.Input.TextMessages + stats.Input.BinaryMessages,
				"inBytes":  stats.Input.TextBytes + stats.Input.BinaryBytes,
				"outMsgs":  stats.Output.TextMessages + stats.Output.BinaryMessages,
				"outBytes": stats.Output.TextBytes + stats.Output.BinaryBytes,
			}).Info("closed")
			return
		}
	}
}
