package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the orchq client.
// It registers the queue command group and the health command.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "orchq",
		Short: "orchq client commands",
	}
	root.AddCommand(NewQueueCommand(), NewHealthCommand())
	return root
}

// NewHealthCommand constructs the `health` command.
func NewHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health over gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := getTransport().Health(cmd.Context())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write([]byte("status: " + status + "\n"))
			return err
		},
	}
}
