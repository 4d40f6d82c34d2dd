package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalambet/scanline/internal/config"
	"github.com/kalambet/scanline/internal/quota"
	"github.com/kalambet/scanline/internal/storage"
)

// openStore loads config and opens the local database for management
// commands that work on storage directly, without the gateway running.
func openStore() (*storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

func validTier(tier string) bool {
	switch tier {
	case "free", "pro", "enterprise":
		return true
	}
	return false
}

// --- users ---

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage user accounts",
}

var usersAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Create a user account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		name, _ := cmd.Flags().GetString("name")
		tier, _ := cmd.Flags().GetString("tier")

		if !validTier(tier) {
			return fmt.Errorf("unknown tier %q (valid: free, pro, enterprise)", tier)
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if _, err := store.GetUserByEmail(email); err == nil {
			return fmt.Errorf("user with email %s already exists", email)
		}

		now := time.Now().UTC()
		u := storage.User{
			ID:           uuid.NewString(),
			Email:        email,
			Name:         name,
			Tier:         tier,
			PeriodAnchor: quota.PeriodStart(now),
			CreatedAt:    now,
		}
		if err := store.CreateUser(u); err != nil {
			return fmt.Errorf("creating user: %w", err)
		}

		printSuccess("Created user %s (%s, tier %s)", u.ID, email, tier)
		return nil
	},
}

var usersSetTierCmd = &cobra.Command{
	Use:   "set-tier <email> <tier>",
	Short: "Change a user's subscription tier",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, tier := args[0], args[1]

		if !validTier(tier) {
			return fmt.Errorf("unknown tier %q (valid: free, pro, enterprise)", tier)
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		u, err := store.GetUserByEmail(email)
		if err != nil {
			return fmt.Errorf("looking up user %s: %w", email, err)
		}
		if err := store.SetUserTier(u.ID, tier); err != nil {
			return fmt.Errorf("setting tier: %w", err)
		}

		printSuccess("Set %s to tier %s", email, tier)
		return nil
	},
}

var usersShowCmd = &cobra.Command{
	Use:   "show <email>",
	Short: "Show a user and their quota position",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		u, err := store.GetUserByEmail(args[0])
		if err != nil {
			return fmt.Errorf("looking up user %s: %w", args[0], err)
		}

		usage, err := quota.NewLedger(store).Snapshot(cmd.Context(), u.ID, time.Now())
		if err != nil {
			return err
		}

		printStatus("ID", "%s", u.ID)
		printStatus("Email", "%s", u.Email)
		if u.Name != "" {
			printStatus("Name", "%s", u.Name)
		}
		printStatus("Tier", "%s", usage.Tier)
		printStatus("Documents", "%d / %d this period", usage.DocumentsUsed, usage.Limits.Documents)
		printStatus("Analyses", "%d / %d this period", usage.AnalysesUsed, usage.Limits.Analyses)
		printStatus("Period start", "%s", usage.PeriodStart.Format("2006-01-02"))
		return nil
	},
}

func init() {
	usersAddCmd.Flags().String("name", "", "display name")
	usersAddCmd.Flags().String("tier", "free", "subscription tier (free, pro, enterprise)")
	usersCmd.AddCommand(usersAddCmd)
	usersCmd.AddCommand(usersSetTierCmd)
	usersCmd.AddCommand(usersShowCmd)
}

// --- apikeys ---

var apikeysCmd = &cobra.Command{
	Use:   "apikeys",
	Short: "Manage gateway API keys",
}

var apikeysCreateCmd = &cobra.Command{
	Use:   "create <email>",
	Short: "Issue an API key for a user",
	Long: `Issue an API key for a user.

The secret is printed once and never shown again. Only enterprise
accounts can authenticate against the gateway, but keys can be issued
ahead of an upgrade.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		u, err := store.GetUserByEmail(args[0])
		if err != nil {
			return fmt.Errorf("looking up user %s: %w", args[0], err)
		}

		secret, err := newKeySecret()
		if err != nil {
			return err
		}
		k := storage.APIKey{
			ID:        uuid.NewString(),
			UserID:    u.ID,
			Secret:    secret,
			CreatedAt: time.Now().UTC(),
		}
		if err := store.CreateAPIKey(k); err != nil {
			return fmt.Errorf("creating api key: %w", err)
		}

		printSuccess("Created key %s for %s", k.ID, u.Email)
		fmt.Println(secret)
		if u.Tier != "enterprise" {
			printWarning("user is on tier %q; the gateway only accepts enterprise keys", u.Tier)
		}
		return nil
	},
}

var apikeysRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.RevokeAPIKey(args[0], time.Now().UTC()); err != nil {
			return fmt.Errorf("revoking key: %w", err)
		}
		printSuccess("Revoked key %s", args[0])
		return nil
	},
}

var apikeysListCmd = &cobra.Command{
	Use:   "list <email>",
	Short: "List a user's API keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		u, err := store.GetUserByEmail(args[0])
		if err != nil {
			return fmt.Errorf("looking up user %s: %w", args[0], err)
		}

		keys, err := store.ListAPIKeys(u.ID)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("No keys found.")
			return nil
		}

		for _, k := range keys {
			state := "active"
			if !k.RevokedAt.IsZero() {
				state = "revoked " + k.RevokedAt.Format("2006-01-02")
			}
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, k.ID),
				k.CreatedAt.Format("2006-01-02"),
				state,
			)
		}
		return nil
	},
}

// newKeySecret generates a gateway API key secret. The sk_ prefix makes
// leaked keys easy to grep for in logs and dumps.
func newKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating key secret: %w", err)
	}
	return "sk_" + hex.EncodeToString(buf), nil
}

func init() {
	apikeysCmd.AddCommand(apikeysCreateCmd)
	apikeysCmd.AddCommand(apikeysRevokeCmd)
	apikeysCmd.AddCommand(apikeysListCmd)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect or prune the document history ledger",
}

var historyListCmd = &cobra.Command{
	Use:   "list <email>",
	Short: "List a user's processed documents, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		u, err := store.GetUserByEmail(args[0])
		if err != nil {
			return fmt.Errorf("looking up user %s: %w", args[0], err)
		}

		records, err := store.ListHistory(u.ID, limit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No history found.")
			return nil
		}

		for _, rec := range records {
			category := rec.Category
			if category == "" {
				category = "-"
			}
			fmt.Printf("%s  %s  %-10s  %s\n",
				colorize(colorCyan, rec.ID[:8]),
				rec.CreatedAt.Format("2006-01-02 15:04"),
				category,
				rec.Filename,
			)
		}
		return nil
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete history records older than a retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("older-than")
		confirm, _ := cmd.Flags().GetBool("confirm")

		if days <= 0 {
			return fmt.Errorf("--older-than must be a positive number of days")
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -days)

		if !confirm {
			printWarning("This will delete history records created before %s. Use --confirm to proceed.",
				cutoff.Format("2006-01-02"))
			return nil
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.PruneHistoryBefore(cutoff)
		if err != nil {
			return fmt.Errorf("pruning history: %w", err)
		}
		printSuccess("Pruned %d history records", n)
		return nil
	},
}

func init() {
	historyListCmd.Flags().Int("limit", 20, "maximum number of records to list")
	historyPruneCmd.Flags().Int("older-than", 365, "delete records older than this many days")
	historyPruneCmd.Flags().Bool("confirm", false, "confirm deletion")
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyPruneCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
