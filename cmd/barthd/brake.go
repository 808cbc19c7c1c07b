package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/barthlab/kernel/pkg/brake"
	"github.com/barthlab/kernel/pkg/store"
)

var brakeCmd = &cobra.Command{
	Use:   "brake",
	Short: "Inspect or control the parking brake",
}

var brakeScopes []string

var brakeOnCmd = &cobra.Command{
	Use:   "on",
	Short: "Engage the parking brake",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBrake(cmd, func(ctx context.Context, b *brake.Brake) error {
			scopes := brakeScopes
			if len(scopes) == 0 {
				scopes = []string{"global"}
			}
			return b.Engage(ctx, scopes...)
		})
	},
}

var brakeOffCmd = &cobra.Command{
	Use:   "off",
	Short: "Disengage the parking brake",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBrake(cmd, func(ctx context.Context, b *brake.Brake) error {
			return b.Disengage(ctx)
		})
	},
}

var brakeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the parking brake's current state as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBrake(cmd, func(ctx context.Context, b *brake.Brake) error {
			state := b.State()
			enc := json.NewEncoder(os.Stdout)
			return enc.Encode(struct {
				Engaged bool     `json:"engaged"`
				Scopes  []string `json:"scopes"`
			}{Engaged: state.Engaged, Scopes: state.Scopes})
		})
	},
}

func init() {
	brakeOnCmd.Flags().StringArrayVar(&brakeScopes, "scope", nil, "Scope to engage (repeatable); defaults to global")
	brakeCmd.AddCommand(brakeOnCmd, brakeOffCmd, brakeStatusCmd)
}

func withBrake(cmd *cobra.Command, fn func(ctx context.Context, b *brake.Brake) error) error {
	dbFlag, _ := cmd.Flags().GetString("db")
	dbPath := resolveDBPath(dbFlag)

	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	ctx := context.Background()
	b, err := brake.New(ctx, s, nil)
	if err != nil {
		return fmt.Errorf("init brake: %w", err)
	}

	return fn(ctx, b)
}
