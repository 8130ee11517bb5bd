package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/jmerrifield20/keyprov/internal/keystore"
	"github.com/jmerrifield20/keyprov/internal/setup"
	"github.com/jmerrifield20/keyprov/pkg/secretkey"
	"github.com/spf13/cobra"
)

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a secret key and its fingerprint without registering",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, fp, err := secretkey.Generate()
		if err != nil {
			return err
		}
		fmt.Printf("Secret key:  %s\n", secret)
		fmt.Printf("Fingerprint: %s\n", fp)
		return nil
	},
}

// ── import ───────────────────────────────────────────────────────────────────

var importCmd = &cobra.Command{
	Use:   "import [secret-key]",
	Short: "Store an existing secret key for the selected server and character",
	Long: `import saves a secret key you already have. The key must be exactly 64
characters of 0-9 and A-F. When no key is given it is read from the terminal
without echo.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	var key string
	if len(args) == 1 {
		key = strings.TrimSpace(args[0])
	} else {
		var err error
		if key, err = promptSecret("Secret key: "); err != nil {
			return err
		}
	}
	if err := secretkey.Validate(key); err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	sess := setup.New(nil, serverList, store, character, logger)
	defer sess.Close()

	e, err := sess.SaveManualKey(cmd.Context(), key)
	if err != nil {
		return err
	}
	fmt.Printf("✓ %s stored for %s on %s\n", e.FriendlyName, displayCharacter(), e.Server)
	return nil
}

// ── keys ─────────────────────────────────────────────────────────────────────

var (
	keysShow   bool
	keysFormat string
	keysDelete string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List stored secret keys",
	Args:  cobra.NoArgs,
	RunE:  runKeys,
}

func init() {
	keysCmd.Flags().BoolVar(&keysShow, "show", false, "print full secret keys instead of redacted ones")
	keysCmd.Flags().StringVar(&keysFormat, "format", "text", "Output format: text or json")
	keysCmd.Flags().StringVar(&keysDelete, "delete", "", "delete the key with this ID")
}

func runKeys(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	if keysDelete != "" {
		id, err := uuid.Parse(keysDelete)
		if err != nil {
			return fmt.Errorf("invalid key id %q: %w", keysDelete, err)
		}
		if err := store.Delete(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("✓ Deleted key %s\n", id)
		return nil
	}

	filter := ""
	if serverName != "" {
		cur, _ := serverList.Current()
		filter = cur.Name
	}
	entries, err := store.List(cmd.Context(), filter)
	if err != nil {
		return err
	}

	show := func(e keystore.Entry) string {
		if keysShow {
			return string(e.Key)
		}
		return e.Key.Redacted()
	}

	if keysFormat == "json" {
		type jsonRow struct {
			ID           string `json:"id"`
			Server       string `json:"server"`
			Character    string `json:"character,omitempty"`
			FriendlyName string `json:"friendly_name"`
			Key          string `json:"key"`
			UID          string `json:"uid,omitempty"`
		}
		rows := make([]jsonRow, len(entries))
		for i, e := range entries {
			rows[i] = jsonRow{e.ID.String(), e.Server, e.Character, e.FriendlyName, show(e), e.UID}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(entries) == 0 {
		fmt.Println("No secret keys stored.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSERVER\tCHARACTER\tNAME\tKEY\tUID")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.Server, e.Character, e.FriendlyName, show(e), e.UID)
	}
	return w.Flush()
}
