package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jmerrifield20/keyprov/internal/keystore"
	"github.com/jmerrifield20/keyprov/internal/servers"
	"github.com/jmerrifield20/keyprov/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile    string
	serverName string
	character  string
	verbose    bool
	insecure   bool

	logger     *zap.Logger
	serverList *servers.Manager
	metricsReg = prometheus.NewRegistry()
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if logger != nil {
		logger.Sync() //nolint:errcheck
	}
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "keyprov",
	Short: "Secret-key account registration for sync servers",
	Long: `keyprov registers accounts on a sync server using a locally generated
secret key. Only a fingerprint of the key is sent; the key itself is stored
in an encrypted local key file.

  keyprov register --server Primary --character "Alice"
  keyprov keys`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return writeMetrics()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.keyprov/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverName, "server", "", "server name or index (default: current_server from config)")
	rootCmd.PersistentFlags().StringVar(&character, "character", "", "character the key belongs to (default: character from config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "development logging to stderr")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification (development only)")
	rootCmd.PersistentFlags().String("metrics-textfile", "", "write registration metrics to this file in Prometheus text format")
	_ = viper.BindPFlag("metrics.textfile", rootCmd.PersistentFlags().Lookup("metrics-textfile"))

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(renewCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(oauthURLCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig(cmd *cobra.Command, args []string) error {
	home, _ := os.UserHomeDir()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".keyprov"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("keyprov")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("current_server", "")
	viper.SetDefault("character", "")
	viper.SetDefault("keystore.path", filepath.Join(home, ".keyprov", "keys.json"))
	viper.SetDefault("keystore.passphrase", "")
	viper.SetDefault("client.product", client.DefaultProduct)
	viper.SetDefault("client.endpoint_order", "current-first")
	viper.SetDefault("client.max_redirects", client.DefaultMaxRedirects)
	viper.SetDefault("client.rate_limit_rps", 0)
	viper.SetDefault("client.timeout", "0s")
	viper.SetDefault("metrics.textfile", "")

	var err error
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Debug("no config file found, using defaults and env vars")
	}

	serverList, err = servers.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("load servers: %w", err)
	}
	if serverName != "" {
		if err := serverList.Select(serverName); err != nil {
			return err
		}
	}
	if character == "" {
		character = viper.GetString("character")
	}
	return nil
}

// newClient builds a registration client from configuration.
func newClient(flow client.Flow) (*client.Client, error) {
	order, err := client.ParseOrder(viper.GetString("client.endpoint_order"))
	if err != nil {
		return nil, err
	}
	major, minor, build := client.ParseVersion(version)

	opts := []client.Option{
		client.WithUserAgent(client.FormatUserAgent(viper.GetString("client.product"), major, minor, build)),
		client.WithFlow(flow),
		client.WithOrder(order),
		client.WithMaxRedirects(viper.GetInt("client.max_redirects")),
		client.WithTimeout(viper.GetDuration("client.timeout")),
		client.WithRateLimit(viper.GetFloat64("client.rate_limit_rps"), 1),
		client.WithLogger(logger),
		client.WithMetrics(client.NewMetrics(metricsReg)),
		client.WithAddressResolver(serverList),
	}
	if insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	return client.New(opts...)
}

// openStore opens the encrypted key file. The passphrase comes from
// KEYPROV_KEYSTORE_PASSPHRASE or an interactive prompt.
func openStore() (*keystore.FileStore, error) {
	pass := viper.GetString("keystore.passphrase")
	if pass == "" {
		var err error
		pass, err = promptSecret("Key file passphrase: ")
		if err != nil {
			return nil, err
		}
	}
	return keystore.NewFileStore(viper.GetString("keystore.path"), []byte(pass), logger)
}

// promptSecret reads a line from the terminal without echo.
func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; set KEYPROV_KEYSTORE_PASSPHRASE")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func writeMetrics() error {
	path := viper.GetString("metrics.textfile")
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, metricsReg); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the keyprov version and User-Agent",
	Run: func(cmd *cobra.Command, args []string) {
		major, minor, build := client.ParseVersion(version)
		fmt.Printf("keyprov %s\n", version)
		fmt.Printf("User-Agent: %s\n", client.FormatUserAgent(viper.GetString("client.product"), major, minor, build))
	},
}
