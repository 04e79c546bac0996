package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newInfoCmd reports which browser and user agent the configured driver uses.
func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the page driver version and user agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			engine := appInstance.Engine()
			version, err := engine.Version(cmd.Context())
			if err != nil {
				return fmt.Errorf("driver version: %w", err)
			}
			ua, err := engine.UserAgent(cmd.Context())
			if err != nil {
				return fmt.Errorf("driver user agent: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version:    %s\n", version)
			fmt.Fprintf(out, "user-agent: %s\n", ua)
			return nil
		},
	}
}
