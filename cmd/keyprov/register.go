package main

import (
	"errors"
	"fmt"

	"github.com/jmerrifield20/keyprov/internal/keystore"
	"github.com/jmerrifield20/keyprov/internal/setup"
	"github.com/jmerrifield20/keyprov/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ── register ─────────────────────────────────────────────────────────────────

var (
	regNoSave bool
	regOrder  string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new account on the selected server",
	Long: `register generates a new secret key, registers its fingerprint on the
selected server and stores the key in the local key file.

The current registration route is tried first and the legacy route is used
as a fallback (see client.endpoint_order). Press Ctrl+C to cancel.`,
	RunE: runRegister,
}

func init() {
	registerCmd.Flags().BoolVar(&regNoSave, "no-save", false, "print the secret key instead of storing it")
	registerCmd.Flags().StringVar(&regOrder, "order", "", "endpoint order: current-first or legacy-first (overrides config)")
}

func runRegister(cmd *cobra.Command, args []string) error {
	if regOrder != "" {
		if _, err := client.ParseOrder(regOrder); err != nil {
			return err
		}
		viper.Set("client.endpoint_order", regOrder)
	}

	server, _ := serverList.Current()
	if server.UseOAuth2 {
		fmt.Println(setup.OAuth2Message)
		fmt.Printf("Run: keyprov oauth-url --server %q\n", server.Name)
		return setup.ErrOAuth2Selected
	}

	c, err := newClient(client.NewAccountFlow)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("Registering a new account on %s...\n", server.Name)

	if regNoSave {
		out, err := c.RegisterCurrent(cmd.Context())
		if err != nil {
			fmt.Println(setup.FailureMessage(out, err))
			return err
		}
		printRegistered(out.UID, string(out.SecretKey))
		return nil
	}

	store, err := openStore()
	if err != nil {
		return err
	}

	sess := setup.New(c, serverList, store, character, logger)
	defer sess.Close()

	if err := sess.Start(cmd.Context()); err != nil {
		if snap := sess.Snapshot(); snap.State == setup.Failed {
			fmt.Println(snap.Message)
		}
		return err
	}
	snap, err := sess.Wait(cmd.Context())
	if err != nil {
		return err
	}
	if snap.State != setup.Succeeded {
		fmt.Println(snap.Message)
		return snap.Err
	}

	printRegistered(snap.UID, string(snap.SecretKey))
	if snap.Err != nil {
		fmt.Printf("\nWARNING: the key could not be saved to %s. Copy it now.\n", store.Path())
		return snap.Err
	}
	fmt.Printf("\nKey saved to %s\n", store.Path())
	return nil
}

func printRegistered(uid, key string) {
	fmt.Printf("✓ %s\n\n", setup.SuccessMessage)
	fmt.Printf("  UID:        %s\n", uid)
	fmt.Printf("  Secret key: %s\n", key)
}

// ── renew ────────────────────────────────────────────────────────────────────

var renewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Register a replacement secret key for the selected server",
	Long: `renew registers a fresh secret key with the server's renewal route and
replaces the stored key for the character. The renewal route has no legacy
fallback.`,
	RunE: runRenew,
}

func runRenew(cmd *cobra.Command, args []string) error {
	server, _ := serverList.Current()

	store, err := openStore()
	if err != nil {
		return err
	}
	// Fail before contacting the server if the key file cannot take the result.
	if _, err := store.Lookup(cmd.Context(), server.Name, character); err != nil && !errors.Is(err, keystore.ErrNotFound) {
		if errors.Is(err, keystore.ErrMultipleKeys) {
			fmt.Println(setup.MultipleKeysMessage)
		} else {
			fmt.Println(setup.StoreErrorMessage)
		}
		return err
	}

	c, err := newClient(client.RenewalFlow)
	if err != nil {
		return err
	}
	defer c.Close()

	out, err := c.Register(cmd.Context(), server.APIURL)
	if err != nil {
		fmt.Println(setup.FailureMessage(out, err))
		return err
	}

	if _, err := store.Save(cmd.Context(), keystore.Entry{
		Server:    server.Name,
		Character: character,
		Key:       out.SecretKey,
		UID:       out.UID,
	}); err != nil {
		printRegistered(out.UID, string(out.SecretKey))
		return fmt.Errorf("save renewed key: %w", err)
	}
	fmt.Printf("✓ Key renewed for %s on %s (UID %s)\n", displayCharacter(), server.Name, out.UID)
	return nil
}

func displayCharacter() string {
	if character == "" {
		return "the default character"
	}
	return character
}
