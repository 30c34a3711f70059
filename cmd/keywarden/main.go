// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the command-line interface for Keywarden using the Cobra
// library. It defines the root command, wires up the subcommand groups
// (key, host, reconcile, backup, db), and owns service startup: config
// loading, i18n, and opening the key store.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/toeirei/keywarden/buildvars"
	"github.com/toeirei/keywarden/internal/config"
	"github.com/toeirei/keywarden/internal/db"
	"github.com/toeirei/keywarden/internal/i18n"
	"github.com/toeirei/keywarden/internal/logging"
)

var version = buildvars.VersionOrDefault("dev")
var gitCommit = "dev" // set at build time with the short commit SHA
var buildDate = ""    // set at build time (RFC3339)
var cfgFile string
var verbose bool
var showVersionFlag bool

var appConfig config.Config

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Cobra already printed the error.
		os.Exit(1)
	}
}

// setupDefaultServices loads the configuration and brings up everything the
// subcommands rely on: i18n and the key store. It runs as the root command's
// PersistentPreRunE, so every subcommand inherits it.
func setupDefaultServices(cmd *cobra.Command, args []string) error {
	optionalConfigPath, err := getConfigPathFromCli(cmd)
	if err != nil {
		return err
	}

	defaults := map[string]any{
		"database.type":                   "sqlite",
		"database.dsn":                    "./keywarden.db",
		"language":                        "en",
		"backup.dir":                      "./backups",
		"backup.keep":                     7,
		"scheduler.tick_seconds":          300,
		"scheduler.concurrency":           4,
		"scheduler.probe_interval_hours":  8,
		"scheduler.probe_timeout_seconds": 180,
	}

	appConfig, err = config.LoadConfig[config.Config](cmd, defaults, optionalConfigPath)
	// A "file not found" error is expected on first run, so we handle it
	// specifically: persist the defaults so subsequent runs have a file to
	// inspect and edit.
	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		if writeErr := config.WriteConfigFile(&appConfig, false); writeErr != nil {
			logging.Warnf("%s", i18n.T("config.write_default_failed", writeErr))
		}
	} else if err != nil {
		return fmt.Errorf("%s", i18n.T("config.error_load", err))
	}

	// A config file may exist but leave critical values empty. Fall back to
	// the defaults rather than passing empty strings further down.
	if appConfig.Database.Type == "" {
		appConfig.Database.Type = defaults["database.type"].(string)
	}
	if appConfig.Database.Dsn == "" {
		appConfig.Database.Dsn = defaults["database.dsn"].(string)
	}
	if appConfig.Language == "" {
		appConfig.Language = defaults["language"].(string)
	}

	i18n.Init(appConfig.Language)

	// Tests and earlier setup may already have opened a store.
	if !db.IsInitialized() {
		if err := db.InitDB(appConfig.Database.Type, appConfig.Database.Dsn); err != nil {
			return errors.New(i18n.T("config.error_init_db", err))
		}
	}

	return nil
}

// getConfigPathFromCli returns the config file path only when the user
// explicitly set --config and the file exists. A missing explicit file is an
// error; silently falling back to the search path would hide typos.
func getConfigPathFromCli(cmd *cobra.Command) (*string, error) {
	if cmd.Flags().Changed("config") {
		path, err := cmd.Flags().GetString("config")
		if err != nil {
			return nil, fmt.Errorf("could not read --config flag: %w", err)
		}
		if path == "" {
			return nil, nil
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file specified via --config flag not found or is not accessible: %w", err)
		}
		return &path, nil
	}
	return nil, nil
}

// newRootCmd creates and configures a new root cobra command. Tests use it to
// get fresh, isolated command trees.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keywarden",
		Short: "Keywarden keeps issued subscription keys and panel state in agreement.",
		Long: `Keywarden records every issued, time-limited subscription key in a local
store and reconciles that record against the clients actually provisioned
on one or more remote panels. The store decides which keys should exist;
each panel is authoritative for the live state of the keys it serves.

Running without a subcommand prints this help. Use 'keywarden run' to
start the reconciliation scheduler.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if showVersionFlag {
				fmt.Println(compositeVersion())
				os.Exit(0)
			}
			if verbose {
				db.SetDebug(true)
				logging.SetDebug(true)
			}
			return setupDefaultServices(cmd, args)
		},
	}

	cmd.Version = compositeVersion()

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output (sets -v for DB logs)")
	cmd.PersistentFlags().BoolVarP(&showVersionFlag, "version", "V", false, "Print version and exit")
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	cmd.PersistentFlags().String("language", "en", `output language ("en", "de")`)
	cmd.PersistentFlags().String("database.type", "sqlite", "Database type (sqlite)")
	cmd.PersistentFlags().String("database.dsn", "./keywarden.db", "Database connection string (DSN)")

	cmd.AddCommand(
		runCmd,
		keyCmd,
		hostCmd,
		planCmd,
		reconcileCmd,
		backupCmd,
		restoreCmd,
		pruneCmd,
		dbCmd,
		statusCmd,
		auditCmd,
		versionCmd,
	)

	return cmd
}

// versionCmd lets users and CI run `keywarden version`.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		v, c, d := resolveBuildVersion(nil)
		fmt.Printf("version: %s\n", v)
		fmt.Printf("commit: %s\n", c)
		if d != "" {
			fmt.Printf("built: %s\n", d)
		}
	},
}

// compositeVersion renders "version (commit) built: date" with the pieces
// that are actually known.
func compositeVersion() string {
	v, c, d := resolveBuildVersion(nil)
	s := v
	if c != "" && c != "dev" {
		s = s + " (" + c + ")"
	}
	if d != "" {
		s = s + " built: " + d
	}
	return s
}

// resolveBuildVersion computes the best-available version, commit and build
// date for the running binary. Values injected via ldflags win only when the
// runtime build info has nothing better. If info is nil, it reads build info
// from the runtime; tests pass a fixed value.
func resolveBuildVersion(info *debug.BuildInfo) (versionOut, commitOut, dateOut string) {
	resolvedVersion := version
	resolvedCommit := gitCommit
	resolvedDate := buildDate

	if info == nil {
		if infoLocal, found := debug.ReadBuildInfo(); found {
			info = infoLocal
		}
	}

	if info != nil {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			resolvedVersion = info.Main.Version
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if s.Value != "" {
					resolvedCommit = s.Value
				}
			case "vcs.time":
				if s.Value != "" {
					resolvedDate = s.Value
				}
			}
		}
	}

	if resolvedVersion == "dev" && gitCommit != "dev" && gitCommit != "" {
		resolvedVersion = gitCommit
	}

	return resolvedVersion, resolvedCommit, resolvedDate
}

// promptForConfirmation prints the prompt and reads one line from stdin.
func promptForConfirmation(prompt string) string {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print(prompt)
	response, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(response)
}
