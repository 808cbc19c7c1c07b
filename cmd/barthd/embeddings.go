package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/barthlab/kernel/pkg/embeddings"
	"github.com/barthlab/kernel/pkg/store"
)

var embeddingsCmd = &cobra.Command{
	Use:   "embeddings",
	Short: "Inspect or rebuild the optional vector shadow table",
}

var embeddingsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print embedding counts and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEmbeddings(cmd, func(ctx context.Context, mgr *embeddings.Manager) error {
			stats, err := mgr.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("extension available: %v\n", stats.ExtensionAvailable)
			fmt.Printf("dims: %d\n", stats.Dims)
			fmt.Printf("memories: %d\n", stats.MemoryCount)
			fmt.Printf("vectors: %d\n", stats.VectorCount)
			return nil
		})
	},
}

var embeddingsRebuildCmd = &cobra.Command{
	Use:   "rebuild-vss",
	Short: "Rebuild the vector shadow table from current memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		err := withEmbeddings(cmd, func(ctx context.Context, mgr *embeddings.Manager) error {
			count, err := mgr.RebuildVSS(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("rebuilt %d vectors\n", count)
			return nil
		})
		if errors.Is(err, embeddings.ErrExtensionUnavailable) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return err
	},
}

func init() {
	embeddingsCmd.AddCommand(embeddingsStatsCmd, embeddingsRebuildCmd)
}

func withEmbeddings(cmd *cobra.Command, fn func(ctx context.Context, mgr *embeddings.Manager) error) error {
	dbFlag, _ := cmd.Flags().GetString("db")
	dbPath := resolveDBPath(dbFlag)

	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	return fn(context.Background(), embeddings.New(s.DB()))
}
