package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncular/syncd/internal/api"
	"github.com/syncular/syncd/internal/serverdb"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage sync API keys",
}

var (
	apikeyActor     string
	apikeyPartition string
	apikeyName      string
	apikeyScopes    string
	apikeyExpires   string
)

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key (plaintext shown once)",
	RunE: func(cmd *cobra.Command, args []string) error {
		console, closeFn, err := openConsole()
		if err != nil {
			return err
		}
		defer closeFn()

		var expiresAt *time.Time
		if apikeyExpires != "" {
			d, err := time.ParseDuration(apikeyExpires)
			if err != nil {
				return fmt.Errorf("invalid --expires: %w", err)
			}
			t := time.Now().UTC().Add(d)
			expiresAt = &t
		}

		plaintext, ak, err := console.GenerateAPIKey(apikeyActor, apikeyPartition, apikeyName, apikeyScopes, expiresAt)
		if err != nil {
			return err
		}
		fmt.Printf("id:      %s\n", ak.ID)
		fmt.Printf("actor:   %s\n", ak.ActorID)
		fmt.Printf("key:     %s\n", plaintext)
		fmt.Println("store this key now; it cannot be shown again")
		return nil
	},
}

var apikeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an actor's API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		console, closeFn, err := openConsole()
		if err != nil {
			return err
		}
		defer closeFn()

		keys, err := console.ListAPIKeys(apikeyActor)
		if err != nil {
			return err
		}
		for _, k := range keys {
			status := "active"
			if k.RevokedAt != nil {
				status = "revoked"
			} else if k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now()) {
				status = "expired"
			}
			fmt.Printf("%s  %s...  %-8s  %s  %s\n", k.ID, k.KeyPrefix, status, k.Scopes, k.Name)
		}
		return nil
	},
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		console, closeFn, err := openConsole()
		if err != nil {
			return err
		}
		defer closeFn()

		if err := console.RevokeAPIKey(args[0]); err != nil {
			return err
		}
		fmt.Printf("revoked %s\n", args[0])
		return nil
	},
}

func openConsole() (*serverdb.ConsoleDB, func(), error) {
	cfg := api.LoadConfig()
	db, dialect, err := api.OpenDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	console, err := serverdb.Open(db, dialect)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return console, func() { db.Close() }, nil
}

func init() {
	apikeyCreateCmd.Flags().StringVar(&apikeyActor, "actor", "", "actor id the key authenticates as")
	apikeyCreateCmd.Flags().StringVar(&apikeyPartition, "partition", "default", "default partition for the key")
	apikeyCreateCmd.Flags().StringVar(&apikeyName, "name", "", "display name")
	apikeyCreateCmd.Flags().StringVar(&apikeyScopes, "scopes", "sync", "comma-separated scopes (sync,admin)")
	apikeyCreateCmd.Flags().StringVar(&apikeyExpires, "expires", "", "validity duration, e.g. 720h")
	apikeyCreateCmd.MarkFlagRequired("actor")

	apikeyListCmd.Flags().StringVar(&apikeyActor, "actor", "", "actor id")
	apikeyListCmd.MarkFlagRequired("actor")

	apikeyCmd.AddCommand(apikeyCreateCmd, apikeyListCmd, apikeyRevokeCmd)
	rootCmd.AddCommand(apikeyCmd)
}
