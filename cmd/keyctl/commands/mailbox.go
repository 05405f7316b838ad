package commands

import (
	"context"
	"encoding/base64"
	"errors"
	"io"

	"e2ee-relay/internal/dto"

	"github.com/spf13/cobra"
)

func sendCmd(g *globals) *cobra.Command {
	var to, toDevice, ciphertext string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Enqueue an opaque ciphertext for a user",
		Long:  "Enqueue an opaque ciphertext. With --ciphertext - the payload is read from stdin and base64-encoded.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ciphertext == "-" {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				ciphertext = base64.StdEncoding.EncodeToString(raw)
			}
			if ciphertext == "" {
				return errors.New("ciphertext is required")
			}
			req := dto.SendMessageRequest{RecipientUserID: to, Ciphertext: ciphertext}
			if toDevice != "" {
				req.RecipientDeviceID = &toDevice
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			res, err := g.client().Send(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient user id")
	cmd.Flags().StringVar(&toDevice, "to-device", "", "recipient device id (any device when empty)")
	cmd.Flags().StringVar(&ciphertext, "ciphertext", "", "ciphertext, or - for stdin")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func drainCmd(g *globals) *cobra.Command {
	var device string
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Fetch and delete pending messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			res, err := g.client().Drain(ctx, device)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "device id (defaults to the token's device)")
	return cmd
}

func listenCmd(g *globals) *cobra.Command {
	var device string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stream incoming messages over a websocket until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := g.client().Stream(cmd.Context(), device, func(batch dto.DrainResponse) error {
				return printJSON(cmd.OutOrStdout(), batch)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "device id (defaults to the token's device)")
	return cmd
}
