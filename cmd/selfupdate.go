package cmd

import (
	"fmt"
	"os"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/spf13/cobra"
)

const updateRepo = "tobinsouth/mcp-test"

var selfUpdateCmd = &cobra.Command{
	Use:   "selfupdate",
	Short: "Update mcp-test to the latest released version",
	RunE: func(cmd *cobra.Command, args []string) error {
		latest, found, err := selfupdate.DetectLatest(cmd.Context(), selfupdate.ParseSlug(updateRepo))
		if err != nil {
			return &exitError{code: exitRuntime, err: fmt.Errorf("detect latest version: %w", err)}
		}
		if !found {
			return &exitError{code: exitRuntime, err: fmt.Errorf("no release found for %s", updateRepo)}
		}

		if latest.LessOrEqual(version) {
			fmt.Printf("Current version %s is up to date\n", version)
			return nil
		}

		exe, err := os.Executable()
		if err != nil {
			return &exitError{code: exitRuntime, err: fmt.Errorf("locate executable: %w", err)}
		}

		fmt.Printf("Updating %s -> %s\n", version, latest.Version())
		if err := selfupdate.UpdateTo(cmd.Context(), latest.AssetURL, latest.AssetName, exe); err != nil {
			return &exitError{code: exitRuntime, err: fmt.Errorf("update binary: %w", err)}
		}

		fmt.Printf("Successfully updated to %s\n", latest.Version())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(selfUpdateCmd)
}
