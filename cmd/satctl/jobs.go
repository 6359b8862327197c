package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gateway-fm/cfdi-descarga/internal/api"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage retrieval jobs on a running server",
}

type jobsFlags struct {
	server     string
	ownerRef   string
	companyRef string
	direction  string
	dateFrom   string
	dateTo     string
}

var jobsArgs jobsFlags

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a retrieval job",
	Example: `  # Everything received by company-1 in January
  satctl jobs submit --owner=owner-1 --company=company-1 --direction=received \
  --from=2024-01-01 --to=2024-01-31`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return callJobService(cmd, func(ctx context.Context, c *api.JobServiceClient) (*structpb.Struct, error) {
			in, err := structpb.NewStruct(map[string]any{
				"owner_ref":   jobsArgs.ownerRef,
				"company_ref": jobsArgs.companyRef,
				"direction":   jobsArgs.direction,
				"date_from":   jobsArgs.dateFrom,
				"date_to":     jobsArgs.dateTo,
			})
			if err != nil {
				return nil, err
			}
			return c.SubmitJob(ctx, in)
		})
	},
}

func byIDCommand(use, short string, call func(*api.JobServiceClient, context.Context, *structpb.Struct, ...grpc.CallOption) (*structpb.Struct, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [job id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callJobService(cmd, func(ctx context.Context, c *api.JobServiceClient) (*structpb.Struct, error) {
				in, err := structpb.NewStruct(map[string]any{"id": args[0]})
				if err != nil {
					return nil, err
				}
				return call(c, ctx, in)
			})
		},
	}
}

func init() {
	jobsCmd.PersistentFlags().StringVar(&jobsArgs.server, "server", "localhost:50051", "gRPC address of the descarga server")

	jobsSubmitCmd.Flags().StringVar(&jobsArgs.ownerRef, "owner", "", "owner reference holding the credential (required)")
	jobsSubmitCmd.Flags().StringVar(&jobsArgs.companyRef, "company", "", "company reference or RFC (required)")
	jobsSubmitCmd.Flags().StringVar(&jobsArgs.direction, "direction", "received", "issued or received")
	jobsSubmitCmd.Flags().StringVar(&jobsArgs.dateFrom, "from", "", "first day, YYYY-MM-DD (required)")
	jobsSubmitCmd.Flags().StringVar(&jobsArgs.dateTo, "to", "", "last day, YYYY-MM-DD (required)")
	for _, name := range []string{"owner", "company", "from", "to"} {
		_ = jobsSubmitCmd.MarkFlagRequired(name)
	}

	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(byIDCommand("status", "Show a job", (*api.JobServiceClient).GetJobStatus))
	jobsCmd.AddCommand(byIDCommand("cancel", "Request cancellation of a job", (*api.JobServiceClient).CancelJob))
	jobsCmd.AddCommand(byIDCommand("retry", "Queue a failed job again", (*api.JobServiceClient).RetryJob))
	rootCmd.AddCommand(jobsCmd)
}

func callJobService(cmd *cobra.Command, call func(context.Context, *api.JobServiceClient) (*structpb.Struct, error)) error {
	conn, err := grpc.NewClient(jobsArgs.server, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", jobsArgs.server, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rootArgs.timeout)
	defer cancel()

	out, err := call(ctx, api.NewJobServiceClient(conn))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out.AsMap())
}
