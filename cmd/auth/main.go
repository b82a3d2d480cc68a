// Command auth manages tenant API keys.
//
// Usage:
//
//	auth create --tenant acme --name "ci" [--env live|test] [--expires-in 720h]
//	auth list   --tenant acme
//	auth revoke --key <raw-key>
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/itamittech/documentsearch/internal/auth/apikey"
	"github.com/itamittech/documentsearch/internal/tenant"
	"github.com/itamittech/documentsearch/pkg/config"
	"github.com/itamittech/documentsearch/pkg/logger"
	"github.com/itamittech/documentsearch/pkg/postgres"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "auth",
		Short:         "Manage tenant API keys",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "configs/development.yaml", "path to config file")

	cmd.AddCommand(newCreateCmd(), newListCmd(), newRevokeCmd())
	return cmd
}

// openRegistry loads config, connects to postgres and makes sure the key
// table exists. The returned func closes the connection.
func openRegistry(ctx context.Context) (*apikey.Registry, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	db, err := postgres.Connect(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.Migrate(ctx, apikey.Schema); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate api_keys: %w", err)
	}
	return apikey.NewRegistry(db), func() { db.Close() }, nil
}

func newCreateCmd() *cobra.Command {
	var tenantID, env, name, expiresIn string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !tenant.ValidID(tenantID) {
				return fmt.Errorf("invalid --tenant %q", tenantID)
			}
			if env != "live" && env != "test" {
				return fmt.Errorf("--env must be live or test, got %q", env)
			}

			var expiresAt *time.Time
			if expiresIn != "" {
				d, err := time.ParseDuration(expiresIn)
				if err != nil {
					return fmt.Errorf("invalid --expires-in: %w", err)
				}
				t := time.Now().Add(d)
				expiresAt = &t
			}

			reg, closeDB, err := openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			key, err := reg.CreateKey(cmd.Context(), tenantID, env, name, expiresAt)
			if err != nil {
				return fmt.Errorf("create key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "API key created successfully.")
			fmt.Fprintln(out, "Store this key securely. It cannot be retrieved again.")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  Key:     %s\n", key)
			fmt.Fprintf(out, "  Tenant:  %s\n", tenantID)
			fmt.Fprintf(out, "  Name:    %s\n", name)
			if expiresAt != nil {
				fmt.Fprintf(out, "  Expires: %s\n", expiresAt.Format(time.RFC3339))
			} else {
				fmt.Fprintln(out, "  Expires: never")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant the key belongs to")
	cmd.Flags().StringVar(&env, "env", "live", "key environment (live or test)")
	cmd.Flags().StringVar(&name, "name", "", "name for the api key")
	cmd.Flags().StringVar(&expiresIn, "expires-in", "", "expiry duration, e.g. 720h (optional)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newListCmd() *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, closeDB, err := openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			keys, err := reg.ListKeys(cmd.Context(), tenantID)
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(keys) == 0 {
				fmt.Fprintf(out, "No API keys for tenant %s.\n", tenantID)
				return nil
			}

			fmt.Fprintf(out, "%-36s  %-20s  %-7s  %s\n", "ID", "Name", "Active", "Expires")
			fmt.Fprintln(out, "------------------------------------  --------------------  -------  -------------------------")
			active := 0
			for _, k := range keys {
				expires := "never"
				if k.ExpiresAt != nil {
					expires = k.ExpiresAt.Format(time.RFC3339)
				}
				if k.IsActive {
					active++
				}
				fmt.Fprintf(out, "%-36s  %-20s  %-7t  %s\n", k.ID, k.Name, k.IsActive, expires)
			}
			fmt.Fprintf(out, "\nTotal: %d key(s), %d active\n", len(keys), active)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant whose keys to list")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

func newRevokeCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, closeDB, err := openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			if err := reg.RevokeKey(cmd.Context(), key); err != nil {
				return fmt.Errorf("revoke key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API key revoked successfully.")
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "raw api key to revoke")
	cmd.MarkFlagRequired("key")
	return cmd
}
