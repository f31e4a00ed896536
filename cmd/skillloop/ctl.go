package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/skillloop/internal/grpcclient"
)

const defaultCtlAddr = "localhost:8421"

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control a running engine over gRPC",
}

func init() {
	ctlCmd.PersistentFlags().String("addr", "", "Engine gRPC address (default from GRPC_ADDR, else "+defaultCtlAddr+")")

	ctlCmd.AddCommand(
		&cobra.Command{Use: "status", Short: "Print the engine status as JSON", Args: cobra.NoArgs, RunE: withClient(ctlStatus)},
		&cobra.Command{Use: "start", Short: "Start the rotation", Args: cobra.NoArgs, RunE: withClient(command((*grpcclient.Client).Start, "started"))},
		&cobra.Command{Use: "stop", Short: "Stop the rotation", Args: cobra.NoArgs, RunE: withClient(command((*grpcclient.Client).Stop, "stopped"))},
		&cobra.Command{Use: "pause", Short: "Pause the rotation", Args: cobra.NoArgs, RunE: withClient(command((*grpcclient.Client).Pause, "paused"))},
		&cobra.Command{Use: "resume", Short: "Resume a paused rotation", Args: cobra.NoArgs, RunE: withClient(command((*grpcclient.Client).Resume, "resumed"))},
		&cobra.Command{Use: "reload", Short: "Reload the probe file", Args: cobra.NoArgs, RunE: withClient(ctlReload)},
		&cobra.Command{Use: "health", Short: "Print the control service health", Args: cobra.NoArgs, RunE: withClient(ctlHealth)},
	)
}

// ctlAddr picks the flag, then GRPC_ADDR. A bare ":port" is dialed on localhost.
func ctlAddr(cmd *cobra.Command) string {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = os.Getenv("GRPC_ADDR")
	}
	if addr == "" {
		return defaultCtlAddr
	}
	if host, port, err := net.SplitHostPort(addr); err == nil && host == "" {
		return net.JoinHostPort("localhost", port)
	}
	return addr
}

type ctlFunc func(ctx context.Context, cmd *cobra.Command, c *grpcclient.Client) error

func withClient(fn ctlFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		c, err := grpcclient.New(ctlAddr(cmd), grpcclient.DefaultConfig())
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(cmd.Context(), cmd, c)
	}
}

func command(call func(*grpcclient.Client, context.Context) error, done string) ctlFunc {
	return func(ctx context.Context, cmd *cobra.Command, c *grpcclient.Client) error {
		if err := call(c, ctx); err != nil {
			return err
		}
		_, err := fmt.Fprintln(cmd.OutOrStdout(), done)
		return err
	}
}

func ctlStatus(ctx context.Context, cmd *cobra.Command, c *grpcclient.Client) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func ctlReload(ctx context.Context, cmd *cobra.Command, c *grpcclient.Client) error {
	v, err := c.Reload(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "reloaded, probe set version %d\n", v)
	return err
}

func ctlHealth(ctx context.Context, cmd *cobra.Command, c *grpcclient.Client) error {
	st, err := c.Health(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.ToLower(st.String()))
	return err
}
