package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/LeonardoBeccarini/sensordash/internal/services/grpcapi"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [addr]",
	Short: "Print the dashboard snapshot of a running instance over gRPC",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSnapshot,
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("grpc-addr")
	if len(args) == 1 {
		addr = args[0]
	}
	if addr == "" {
		return fmt.Errorf("no grpc address")
	}
	if addr[0] == ':' {
		addr = "localhost" + addr
	}

	cli, err := grpcapi.Dial(addr)
	if err != nil {
		return err
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	serving, err := cli.Serving(ctx)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	snap, err := cli.GetSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("get snapshot: %w", err)
	}
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(snap)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "serving: %v\n", serving)
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}
