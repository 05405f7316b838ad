package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2ee-relay/pkg/relayclient"

	"github.com/spf13/cobra"
)

const defaultStatePath = "keyctl-state.json"

type globals struct {
	baseURL   string
	token     string
	statePath string
	timeout   time.Duration
}

func (g *globals) client() *relayclient.Client {
	return relayclient.New(g.baseURL).WithBearer(g.token)
}

func (g *globals) loadState() (*relayclient.DeviceKeys, error) {
	raw, err := os.ReadFile(g.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no device state at %s; run keygen first", g.statePath)
	}
	if err != nil {
		return nil, err
	}
	var keys relayclient.DeviceKeys
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("parse %s: %w", g.statePath, err)
	}
	return &keys, nil
}

func (g *globals) saveState(keys *relayclient.DeviceKeys) error {
	raw, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(g.statePath, raw, 0o600)
}

// NewRootCmd builds the keyctl command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "keyctl",
		Short:         "Manage device keys and mailboxes on an e2ee relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&g.baseURL, "base-url", getenv("KEYCTL_BASE_URL", "http://localhost:8082"), "relay base URL")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("KEYCTL_TOKEN"), "bearer token")
	root.PersistentFlags().StringVar(&g.statePath, "state", getenv("KEYCTL_STATE_PATH", defaultStatePath), "device state file")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		tokenCmd(),
		keygenCmd(g),
		registerCmd(g),
		prekeysCmd(g),
		rotateCmd(g),
		countCmd(g),
		devicesCmd(g),
		bundleCmd(g),
		eventsCmd(g),
		sendCmd(g),
		drainCmd(g),
		listenCmd(g),
	)
	return root
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "error: %v\n", err)
		return err
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
