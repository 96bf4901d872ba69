package main

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	handoffgrpc "github.com/jeeves-cluster-organization/handoffkernel/coreengine/grpc"
)

const defaultAddr = "localhost:50051"

func dial(addr string) (*grpc.ClientConn, *handoffgrpc.Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return conn, handoffgrpc.NewClient(conn), nil
}

// writeStatusError reports a gRPC failure with the code of its status.
func writeStatusError(cmd *cobra.Command, err error) error {
	st := status.Convert(err)
	code := codeRPCError
	switch st.Code() {
	case codes.InvalidArgument:
		code = codeInvalid
	case codes.FailedPrecondition:
		code = codeIllegal
	case codes.Aborted:
		code = codeConflict
	case codes.NotFound:
		code = codeNotFound
	}
	return writeError(cmd, code, st.Message())
}

// newRPCCmd calls one unary method with the JSON request on stdin.
func newRPCCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "rpc <method>",
		Short: "Call a HandoffService method with the request on stdin",
		Example: `  echo '{"campaign_id":"c1","graph":"campaign"}' | handoffctl rpc StartWorkflow
  echo '{"handoff_id":"ho_..."}' | handoffctl rpc GetHandoffHistory`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req map[string]any
			if err := readInput(cmd, &req); err != nil {
				return err
			}
			conn, client, err := dial(addr)
			if err != nil {
				return writeError(cmd, codeRPCError, err.Error())
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			var resp map[string]any
			if err := client.Call(ctx, args[0], req, &resp); err != nil {
				return writeStatusError(cmd, err)
			}
			return writeJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "handoffd gRPC address")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "call timeout")
	return cmd
}

// newWatchCmd prints every record the role may see, one JSON line each.
func newWatchCmd() *cobra.Command {
	var (
		addr       string
		role       string
		eventTypes []string
		alertsOnly bool
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream kernel records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, client, err := dial(addr)
			if err != nil {
				return writeError(cmd, codeRPCError, err.Error())
			}
			defer conn.Close()

			req := map[string]any{"role": role, "alerts_only": alertsOnly}
			if len(eventTypes) > 0 {
				req["event_types"] = eventTypes
			}
			stream, err := client.WatchEvents(cmd.Context(), req)
			if err != nil {
				return writeStatusError(cmd, err)
			}
			for n := 0; limit <= 0 || n < limit; n++ {
				rec, err := stream.Recv()
				if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
					return nil
				}
				if err != nil {
					return writeStatusError(cmd, err)
				}
				if err := writeJSON(cmd, rec.AsMap()); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "handoffd gRPC address")
	cmd.Flags().StringVar(&role, "role", "operator", "viewer role: operator, executive or agent:<id>")
	cmd.Flags().StringSliceVar(&eventTypes, "event-type", nil, "only these event types")
	cmd.Flags().BoolVar(&alertsOnly, "alerts-only", false, "only alert records")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many records")
	return cmd
}
