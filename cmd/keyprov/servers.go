package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/keyprov/internal/health"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

// ── servers ──────────────────────────────────────────────────────────────────

var (
	serversProbe   bool
	serversTimeout time.Duration
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List configured servers",
	Long: `servers lists the configured sync servers. The current server is marked
with *. With --probe each server's base URL is checked concurrently.`,
	Args: cobra.NoArgs,
	RunE: runServers,
}

func init() {
	serversCmd.Flags().BoolVar(&serversProbe, "probe", false, "check whether each server answers over HTTP")
	serversCmd.Flags().DurationVar(&serversTimeout, "timeout", 5*time.Second, "per-server probe timeout")
}

func runServers(cmd *cobra.Command, args []string) error {
	_, current := serverList.Current()
	list := serverList.List()

	var results []health.Result
	if serversProbe {
		checker := health.New(health.Config{ProbeTimeout: serversTimeout}, logger)
		results = checker.CheckAll(cmd.Context(), list)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	header := "\tINDEX\tNAME\tAPI URL\tLOGIN"
	if serversProbe {
		header += "\tSTATUS"
	}
	fmt.Fprintln(w, header)
	for i, s := range list {
		marker := ""
		if i == current {
			marker = "*"
		}
		login := "secret key"
		if s.UseOAuth2 {
			login = "oauth2"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s", marker, i, s.Name, s.APIURL, login)
		if serversProbe {
			fmt.Fprintf(w, "\t%s", probeStatus(results[i]))
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}

func probeStatus(r health.Result) string {
	switch {
	case r.Reachable:
		return fmt.Sprintf("up (%d, %s)", r.StatusCode, r.Latency.Round(time.Millisecond))
	case r.Err != nil:
		return "down: " + r.Err.Error()
	default:
		return fmt.Sprintf("down (%d)", r.StatusCode)
	}
}

// ── oauth-url ────────────────────────────────────────────────────────────────

var oauthURLCmd = &cobra.Command{
	Use:   "oauth-url",
	Short: "Print the browser login URL for a server that uses OAuth2",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := serverList.Current()
		cfg, err := server.OAuth2Config()
		if err != nil {
			return err
		}
		verifier := oauth2.GenerateVerifier()
		state := uuid.NewString()
		fmt.Printf("Open this URL to log in to %s:\n\n  %s\n\n", server.Name,
			cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)))
		fmt.Printf("State:         %s\n", state)
		fmt.Printf("PKCE verifier: %s\n", verifier)
		return nil
	},
}
