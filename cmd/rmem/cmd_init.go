package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"replinet/internal/core"
)

var initLabel string

// initCmd writes an empty memory as the first snapshot.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty memory snapshot",
	Long: `Writes a memory holding only the root, stdin and stdout groups and the
self entity. "rmem run" starts from it when the database has no other
snapshot.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		m, err := newBootImage().load(core.SettingsFromConfig(cfg))
		if err != nil {
			return err
		}
		id, err := saveMemory(cmd.Context(), st, m, initLabel)
		if err != nil {
			return err
		}
		logger.Info("initialized memory", zap.String("snapshot", id), zap.String("db", st.Path()))
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initLabel, "label", "boot", "Label of the snapshot")
}
