package ledgerctl

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	platformgrpc "github.com/louisbranch/evidence.space/internal/platform/grpc"
	ledgerapp "github.com/louisbranch/evidence.space/internal/services/ledger/app"
)

func newHealthCommand() *cobra.Command {
	var (
		addr string
		wait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running ledger's gRPC health endpoint",
		Long: `Check a running ledger's gRPC health endpoint once, or with --wait keep
polling until it reports SERVING or the wait elapses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := platformgrpc.Dial(addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			out := cmd.OutOrStdout()
			if wait > 0 {
				ctx, cancel := context.WithTimeout(cmd.Context(), wait)
				defer cancel()
				if err := platformgrpc.WaitForHealth(ctx, conn, ledgerapp.HealthService, nil); err != nil {
					return err
				}
				green.Fprintf(out, "%s is SERVING\n", addr)
				return nil
			}

			status, err := platformgrpc.CheckHealth(cmd.Context(), conn, ledgerapp.HealthService)
			if err != nil {
				return fmt.Errorf("check health of %s: %w", addr, err)
			}
			if status != grpc_health_v1.HealthCheckResponse_SERVING {
				return fmt.Errorf("%s is %s", addr, status)
			}
			green.Fprintf(out, "%s is SERVING\n", addr)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8096", "ledger gRPC address")
	cmd.Flags().DurationVar(&wait, "wait", 0, "poll until SERVING for at most this long")
	return cmd
}
