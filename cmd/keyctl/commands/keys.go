package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"e2ee-relay/internal/auth"
	"e2ee-relay/internal/dto"
	"e2ee-relay/pkg/relayclient"

	"github.com/spf13/cobra"
)

// tokenCmd mints a development HS256 token accepted by a relay sharing the
// same AUTH_JWT_SECRET.
func tokenCmd() *cobra.Command {
	var (
		secret, issuer, user, device string
		ttl                          time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := auth.NewHS256Signer(secret, issuer)
			if err != nil {
				return err
			}
			token, err := signer.Sign(user, device, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("AUTH_JWT_SECRET"), "HS256 secret")
	cmd.Flags().StringVar(&issuer, "issuer", os.Getenv("AUTH_ISSUER"), "iss claim")
	cmd.Flags().StringVar(&user, "user", "", "subject (user id)")
	cmd.Flags().StringVar(&device, "device", "", "device_id claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func keygenCmd(g *globals) *cobra.Command {
	var (
		device string
		count  int
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate identity, signed and one-time prekeys into the state file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 0 {
				return errors.New("count must be non-negative")
			}
			if _, err := os.Stat(g.statePath); err == nil && !force {
				return fmt.Errorf("state file already exists at %s (use --force)", g.statePath)
			}
			keys, err := relayclient.GenerateDevice(device, count)
			if err != nil {
				return err
			}
			if err := g.saveState(keys); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), keys.RegisterRequest())
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "device id")
	cmd.Flags().IntVar(&count, "count", 10, "number of one-time prekeys")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing state file")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func registerCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Publish the device's public keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := g.loadState()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			res, err := g.client().RegisterDevice(ctx, keys.RegisterRequest())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func prekeysCmd(g *globals) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "prekeys",
		Short: "Generate and upload more one-time prekeys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return errors.New("count must be positive")
			}
			keys, err := g.loadState()
			if err != nil {
				return err
			}
			added, err := keys.AddOneTimePreKeys(count)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			res, err := g.client().UploadPreKeys(ctx, dto.UploadPreKeysRequest{DeviceID: keys.DeviceID, OneTimePreKeys: added})
			if err != nil {
				return err
			}
			if err := g.saveState(keys); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "number of one-time prekeys")
	return cmd
}

func rotateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Replace the signed prekey",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := g.loadState()
			if err != nil {
				return err
			}
			req, err := keys.RotateSignedPreKey()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			res, err := g.client().RotateSignedPreKey(ctx, req)
			if err != nil {
				return err
			}
			if err := g.saveState(keys); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func countCmd(g *globals) *cobra.Command {
	var device string
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Show how many one-time prekeys remain unclaimed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			res, err := g.client().CountPreKeys(ctx, device)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "device id (defaults to the token's device)")
	return cmd
}

func devicesCmd(g *globals) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List a user's registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			res, err := g.client().ListDevices(ctx, user)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func bundleCmd(g *globals) *cobra.Command {
	var user, device string
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Fetch prekey bundles, claiming one one-time prekey per device",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			res, err := g.client().Bundle(ctx, user, device)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&device, "device", "", "device id (all devices when empty)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func eventsCmd(g *globals) *cobra.Command {
	var (
		user  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show a user's key-transparency log",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			res, err := g.client().KeyEvents(ctx, user, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum events (server default when 0)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
