package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/loom/internal/config"
	"github.com/MikeSquared-Agency/loom/internal/loom"
)

var treeCharacter string

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print a character's conversation tree as JSON",
	Long: `Print every node stored for a character, in tree order, as the JSON
nodes clients receive.

Examples:
  loomd tree --character demo
  STORE_BACKEND=badger loomd tree --character demo`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if treeCharacter == "" {
			return errors.New("--character is required")
		}
		cfg := config.Load()
		logger := config.NewLogger(cfg.LogLevel, os.Stderr)

		nodes, closeStore, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore()

		l := loom.New(nodes, loom.Options{
			ConversationID: treeCharacter,
			CharacterID:    treeCharacter,
			Logger:         logger,
		})
		if err := l.Load(cmd.Context()); err != nil {
			return err
		}

		out := make([]loom.NodeJSON, 0)
		for _, n := range l.CollectAll() {
			out = append(out, loom.ToJSON(n))
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	treeCmd.Flags().StringVar(&treeCharacter, "character", "", "character (session) id")
}
