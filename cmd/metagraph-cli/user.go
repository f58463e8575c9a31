package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/metagraph-ai/metagraph/internal/auth"
)

func newCreateUserCommand(cfgPath *string) *cobra.Command {
	var username, password, group string
	var scopes []string

	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create an API account and grant its group scopes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" || password == "" {
				return validationErr(fmt.Errorf("--username and --password are required"))
			}
			for _, s := range scopes {
				if _, ok := auth.KnownScopes[s]; !ok {
					known := make([]string, 0, len(auth.KnownScopes))
					for name := range auth.KnownScopes {
						known = append(known, name)
					}
					sort.Strings(known)
					return validationErr(fmt.Errorf("unknown scope %q, known scopes: %v", s, known))
				}
			}

			env, err := loadEnv(*cfgPath)
			if err != nil {
				return err
			}
			store, err := env.openAuthStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			hash, err := auth.HashPassword(password)
			if err != nil {
				return authErr(err)
			}
			if err := store.CreateUser(ctx, username, hash, group); err != nil {
				return authErr(err)
			}

			grant := make(map[string]string, len(scopes))
			for _, s := range scopes {
				grant[s] = auth.KnownScopes[s]
			}
			if len(grant) == 0 {
				grant = auth.KnownScopes
			}
			if err := store.SeedScopes(ctx, grant, group); err != nil {
				return authErr(err)
			}

			successColor.Printf("✓ created user %s in group %s\n", username, group)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "account name")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().StringVar(&group, "group", "default", "scope group")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "scopes to grant the group (default all)")
	return cmd
}
