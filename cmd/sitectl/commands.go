package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/markdave123-py/Sitewise/internal/api"
	"github.com/markdave123-py/Sitewise/internal/app"
	"github.com/markdave123-py/Sitewise/internal/models"
	"github.com/markdave123-py/Sitewise/internal/services"
)

// --- tenants ---

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Manage tenants",
}

var tenantsCreateCmd = &cobra.Command{
	Use:   "create <domain>",
	Short: "Register a tenant site",
	Long: `Register a tenant site.

Examples:
  sitectl tenants create shop.example.com --platform shopify --text-assistant asst_123
  sitectl tenants create blog.example.com --platform wordpress --limit 5000`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, _ := cmd.Flags().GetString("platform")
		limit, _ := cmd.Flags().GetInt("limit")
		text, _ := cmd.Flags().GetString("text-assistant")
		voice, _ := cmd.Flags().GetString("voice-assistant")
		if platform == "" {
			return errors.New("--platform is required")
		}
		return withApp(cmd, func(a *app.App) error {
			t, err := a.Tenants.Create(cmd.Context(), &services.NewTenant{
				Domain:           args[0],
				Platform:         models.Platform(platform),
				QueryLimit:       limit,
				TextAssistantID:  text,
				VoiceAssistantID: voice,
			})
			if err != nil {
				return err
			}
			printSuccess(cmd, "Created tenant %s", t.ID)
			return printJSON(cmd, t)
		})
	},
}

var tenantsShowCmd = &cobra.Command{
	Use:   "show <tenant-id>",
	Short: "Show a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			t, err := a.Tenants.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, t)
		})
	},
}

var tenantsResetCmd = &cobra.Command{
	Use:   "reset-usage <tenant-id>",
	Short: "Reset a tenant's monthly query counter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			if err := a.Tenants.ResetUsage(cmd.Context(), args[0]); err != nil {
				return err
			}
			printSuccess(cmd, "Usage reset for %s", args[0])
			return nil
		})
	},
}

var tenantsTeardownCmd = &cobra.Command{
	Use:   "teardown <tenant-id>",
	Short: "Delete a tenant with its content, conversations and vectors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("yes")
		if !confirm {
			return errors.New("teardown is irreversible; pass --yes to confirm")
		}
		return withApp(cmd, func(a *app.App) error {
			if err := a.Tenants.Teardown(cmd.Context(), args[0]); err != nil {
				return err
			}
			printSuccess(cmd, "Tenant %s removed", args[0])
			return nil
		})
	},
}

func init() {
	tenantsCreateCmd.Flags().String("platform", "", "shopify or wordpress")
	tenantsCreateCmd.Flags().Int("limit", 0, "monthly query limit (default 1000)")
	tenantsCreateCmd.Flags().String("text-assistant", "", "assistant id for text turns")
	tenantsCreateCmd.Flags().String("voice-assistant", "", "assistant id for voice turns")
	tenantsTeardownCmd.Flags().Bool("yes", false, "confirm deletion")

	tenantsCmd.AddCommand(tenantsCreateCmd, tenantsShowCmd, tenantsResetCmd, tenantsTeardownCmd)
	rootCmd.AddCommand(tenantsCmd)
}

// --- keys ---

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage tenant access keys",
}

var keysIssueCmd = &cobra.Command{
	Use:   "issue <tenant-id>",
	Short: "Issue an access key; the raw key is printed once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			raw, key, err := a.Keys.Issue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSuccess(cmd, "Issued key %s", key.ID)
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		})
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an access key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			if err := a.Keys.Revoke(cmd.Context(), args[0]); err != nil {
				return err
			}
			printSuccess(cmd, "Revoked key %s", args[0])
			return nil
		})
	},
}

func init() {
	keysCmd.AddCommand(keysIssueCmd, keysRevokeCmd)
	rootCmd.AddCommand(keysCmd)
}

// --- admin-token ---

var adminTokenCmd = &cobra.Command{
	Use:   "admin-token",
	Short: "Mint an admin bearer token for the /api/admin endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if secret == "" {
			secret = os.Getenv("ADMIN_JWT_SECRET")
		}
		if secret == "" {
			return errors.New("--secret or ADMIN_JWT_SECRET is required")
		}
		tok, err := services.MintAdminToken(secret, subject, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	adminTokenCmd.Flags().String("secret", "", "signing secret (defaults to ADMIN_JWT_SECRET)")
	adminTokenCmd.Flags().String("subject", "operator", "token subject")
	adminTokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	rootCmd.AddCommand(adminTokenCmd)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync <tenant-id>",
	Short: "Upsert a content payload for a tenant",
	Long: `Upsert a content payload for a tenant.

Examples:
  sitectl sync 3f0c... --file ./export.json
  sitectl sync 3f0c... --file ./export.json --vectorize
  sitectl sync replay 3f0c... --key tenants/3f0c.../syncs/2025-01-02T15:04:05Z-9b1d....json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		vectorize, _ := cmd.Flags().GetBool("vectorize")
		if file == "" {
			return errors.New("--file is required")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		var payload models.SyncPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		if payload.Len() == 0 {
			return errors.New("payload holds no records")
		}
		return withApp(cmd, func(a *app.App) error {
			stats, err := a.Syncer.Sync(cmd.Context(), args[0], &payload)
			if err != nil {
				return err
			}
			printSuccess(cmd, "Synced %d created, %d updated, %d errors", stats.Created, stats.Updated, stats.Errors)
			if err := printJSON(cmd, stats); err != nil {
				return err
			}
			if !vectorize {
				return nil
			}
			vstats, err := a.Indexer.Rebuild(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSuccess(cmd, "Indexed %d items, %d errors", vstats.Added, vstats.Errors)
			return nil
		})
	},
}

var syncReplayCmd = &cobra.Command{
	Use:   "replay <tenant-id>",
	Short: "Re-run an archived sync payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		if key == "" {
			return errors.New("--key is required")
		}
		return withApp(cmd, func(a *app.App) error {
			stats, err := a.Syncer.Replay(cmd.Context(), args[0], key)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		})
	},
}

func init() {
	syncCmd.Flags().String("file", "", "JSON payload with pages, products, posts, comments, reviews and discounts")
	syncCmd.Flags().Bool("vectorize", false, "rebuild the tenant index after syncing")
	syncReplayCmd.Flags().String("key", "", "archive object key")
	syncCmd.AddCommand(syncReplayCmd)
	rootCmd.AddCommand(syncCmd)
}

// --- vectorize ---

var vectorizeCmd = &cobra.Command{
	Use:   "vectorize <tenant-id>",
	Short: "Purge and rebuild a tenant's semantic index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			stats, err := a.Indexer.Rebuild(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		})
	},
}

func init() {
	rootCmd.AddCommand(vectorizeCmd)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve a tenant's search and rebuild tools over MCP stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		if tenantID == "" {
			return errors.New("--tenant is required")
		}
		return withApp(cmd, func(a *app.App) error {
			t, err := a.Tenants.Get(cmd.Context(), tenantID)
			if err != nil {
				return err
			}
			srv := api.NewMCPServer(api.MCPDeps{Tenant: t, Context: a.Assembler, Indexer: a.Indexer})
			return server.NewStdioServer(srv).Listen(cmd.Context(), os.Stdin, os.Stdout)
		})
	},
}

func init() {
	mcpCmd.Flags().String("tenant", "", "tenant id the tools are bound to")
	rootCmd.AddCommand(mcpCmd)
}
