// Package main implements the crx-repo command-line tool for mirroring
// browser extensions.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/crx-repo/crx-repo/internal/mirror"
)

const (
	defaultConfigPath = "/etc/crx-repo/crx-repo.toml"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "crx-repo",
	Short: "Mirror browser extensions and serve update manifests",
	Long: `crx-repo keeps local copies of browser extensions and serves them to
browsers through the Omaha update protocol.

Find more information at: https://github.com/crx-repo/crx-repo`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the extension mirror daemon",
	Long: `Runs the mirror daemon: polls the configured stores for updates,
downloads new versions into the cache, and serves the update manifest
and packages over HTTP.

Usage:
  # Run with the default configuration file
  crx-repo serve

  # Use a custom configuration file
  crx-repo serve --config /path/to/crx-repo.toml

  # Override the log level
  crx-repo serve --log-level debug

The daemon runs until it receives SIGINT or SIGTERM, then drains its
listeners and exits.`,
	Run: runServe,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <extension-id>",
	Short: "Download one extension immediately",
	Long: `Checks the store for the given extension once and downloads the newest
version into the cache, without starting the daemon.

Examples:
  crx-repo fetch cjpalhdlnbpafiamejdnhcphjbkeiagm
  crx-repo fetch cjpalhdlnbpafiamejdnhcphjbkeiagm --config /path/to/crx-repo.toml`,
	Args: cobra.ExactArgs(1),
	Run:  runFetch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("crx-repo %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")

	rootCmd.PersistentFlags().BoolP("help", "h", false, "help for crx-repo")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}

	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	return err.Error()
}

// analyzeUndecoded examines undecoded TOML keys and provides helpful suggestions
func analyzeUndecoded(undecoded []toml.Key) (suggestions []string, unknown []string) {
	extensionKeys := 0

	for _, key := range undecoded {
		keyStr := key.String()

		// Check for the common "extension" vs "extensions" typo
		if keyStr == "extension" || strings.HasPrefix(keyStr, "extension.") {
			extensionKeys++
		} else {
			unknown = append(unknown, keyStr)
		}
	}

	if extensionKeys == 1 {
		suggestions = append(suggestions, "Section 'extension' should be 'extensions'")
	} else if extensionKeys > 1 {
		suggestions = append(suggestions, fmt.Sprintf("Section 'extension' should be 'extensions' (affects %d keys)", extensionKeys))
	}

	return suggestions, unknown
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	suggestions, unknown := analyzeUndecoded(undecoded)

	var errorMsg strings.Builder
	if len(suggestions) > 0 {
		errorMsg.WriteString("configuration contains sections that don't match expected structure:\n")
		for _, suggestion := range suggestions {
			errorMsg.WriteString("  • " + suggestion + "\n")
		}
		errorMsg.WriteString("\nNote: Configuration section names are case-sensitive and must match exactly.")
	}

	if len(unknown) > 0 {
		if errorMsg.Len() > 0 {
			errorMsg.WriteString("\n\nAdditionally, found unknown sections: ")
		} else {
			errorMsg.WriteString("configuration contains unknown sections: ")
		}
		errorMsg.WriteString(fmt.Sprintf("%v", unknown))
		errorMsg.WriteString("\nThese sections don't match any expected configuration structure.")
	}

	return errorMsg.String()
}

// loadConfig reads and decodes the configuration file and applies the
// log settings, honoring a command-line log level override.
func loadConfig(cmd *cobra.Command) *mirror.Config {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			slog.Info("Please create a configuration file at the default location or specify one with the --config flag.")
			os.Exit(1)
		}
		errorMsg := formatError(err, verboseErrors)
		slog.Error("failed to decode config file", "error", errorMsg, "path", configPath)
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}

	// Check for undecoded keys which might indicate parsing stopped early
	if undecoded := mirror.UndecodedKeys(meta); len(undecoded) > 0 {
		errorMsg := formatUndecodedError(undecoded)
		slog.Error("configuration validation failed", "error", errorMsg, "path", configPath)
		os.Exit(1)
	}

	if err := config.Log.Apply(); err != nil {
		slog.Error("failed to apply log config", "error", err)
		os.Exit(1)
	}

	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply command-line log level", "level", logLevel, "error", err)
			os.Exit(1)
		}
		slog.Debug("log level successfully overridden from command line", "level", logLevel)
	}

	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		config.Log.Level = "error"
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply quiet log level", "error", err)
			os.Exit(1)
		}
	}

	return config
}

func runServe(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := loadConfig(cmd)

	if err := config.Check(); err != nil {
		slog.Error("invalid configuration", "error", formatError(err, verboseErrors), "path", configPath)
		os.Exit(1)
	}

	srv, err := mirror.NewServer(config)
	if err != nil {
		slog.Error("failed to start", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting crx-repo", "version", version, "config", configPath)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server failed", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			os.Exit(1)
		}
		errorMsg := formatError(err, verboseErrors)
		slog.Error("failed to decode config file", "error", errorMsg, "path", configPath)
		os.Exit(1)
	}

	// Check for undecoded keys which might indicate parsing stopped early
	if undecoded := mirror.UndecodedKeys(meta); len(undecoded) > 0 {
		errorMsg := formatUndecodedError(undecoded)
		slog.Error("configuration validation failed", "error", errorMsg, "path", configPath)
		os.Exit(1)
	}

	var validationErrors []error

	if err := config.Log.Apply(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "log config"))
	}

	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "global config"))
	}

	for _, ext := range config.Extensions {
		if !mirror.IsValidExtensionID(ext.ID) {
			validationErrors = append(validationErrors, errors.New("invalid extension id: "+ext.ID))
		}
	}

	if len(validationErrors) > 0 {
		slog.Error("the toml configuration file is not valid")
		for _, err := range validationErrors {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the toml configuration file passes validation checks")
}

func runFetch(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	quiet, _ := cmd.Flags().GetBool("quiet")
	config := loadConfig(cmd)

	extID := args[0]
	if !mirror.IsValidExtensionID(extID) {
		slog.Error("invalid extension id", "id", extID)
		os.Exit(1)
	}

	// Pick up per-extension overrides when the id is configured.
	ext := mirror.ExtensionConfig{ID: extID}
	for _, configured := range config.Extensions {
		if configured.ID == extID {
			ext = configured
			break
		}
	}

	cache, err := mirror.NewCache(config.CacheDir)
	if err != nil {
		slog.Error("failed to open cache", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	if err := cache.Scan(); err != nil {
		slog.Error("failed to scan cache", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	proxy, err := config.ExtensionProxy(ext)
	if err != nil {
		slog.Error("invalid proxy URL", "error", err)
		os.Exit(1)
	}
	client := mirror.NewHTTPClient(proxy)

	provider, err := mirror.NewProvider(config, ext, client)
	if err != nil {
		slog.Error("failed to build provider", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	current := cache.LatestVersion(extID)
	cand, err := provider.CheckUpdate(ctx, current)
	if err != nil {
		slog.Error("update check failed", "extension", extID, "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	if cand == nil {
		if current == "" {
			slog.Info("the store offered no package", "extension", extID)
		} else {
			slog.Info("already up to date", "extension", extID, "version", current)
		}
		return
	}

	fetcher := mirror.NewFetcher(cache, client)
	var bar *pb.ProgressBar
	if !quiet {
		bar = pb.Full.Start64(cand.Size)
		fetcher.Progress = bar.NewProxyWriter(io.Discard)
	}

	err = fetcher.Fetch(ctx, extID, cand)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		slog.Error("download failed", "extension", extID, "version", cand.Version,
			"error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	slog.Info("extension fetched",
		"extension", extID, "version", cand.Version, "path", cache.Path(extID, cand.Version))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
