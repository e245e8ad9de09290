package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/studyhook"
)

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "studyhook %s\n", studyhook.Version)
			return err
		},
	}
}
