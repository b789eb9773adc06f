package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"wlm-go/internal/app"
	"wlm-go/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file at the default path.
func loadConfig() (*config.Config, error) {
	paths, err := app.DefaultPaths()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(paths.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates a WLMApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "snapshot create").
// connect dials the hypervisor for commands that capture or restore.
func newApp(cmd *cobra.Command, operation string, connect bool, args ...string) (*app.WLMApp, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewWLMApp(cmd.Context(), cfg, operation, strings.Join(args, " "), connect)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// closeApp closes a and reports a close error unless the command already failed.
func closeApp(a *app.WLMApp, err *error) {
	if cerr := a.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}

// readPassphrase prompts on the terminal without echo.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

var rootCmd = &cobra.Command{
	Use:           "wlm",
	Short:         "Incremental VM disk snapshot manager",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and encryption keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, paths.BaseDir)

		var passphrase string
		if app.NeedsPassphrase(cfg.Encryption) {
			passphrase, err = readPassphrase("Passphrase for the metadata encryption key: ")
			if err != nil {
				return err
			}
			confirm, err := readPassphrase("Repeat passphrase: ")
			if err != nil {
				return err
			}
			if passphrase != confirm {
				return fmt.Errorf("passphrases do not match")
			}
		}

		if err := app.InitConfig(paths.ConfigPath, cfg, passphrase); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigPath)
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", paths.BaseDir)
		fmt.Printf("Log Dir: %s\n", paths.LogDir())
		fmt.Println("Add a [[vaults]] entry and the [hypervisor] endpoint before the first snapshot.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", paths.ConfigPath)
		fmt.Printf("Host ID:     %s\n", cfg.HostID)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Registry:    %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:       %s (%s)\n", v.Name, v.Type)
		}
		fmt.Printf("Hypervisor:  %s %s@%s\n", cfg.Hypervisor.Type, cfg.Hypervisor.User, cfg.Hypervisor.Host)
		fmt.Printf("VM policy:   %s (parallelism %d)\n", cfg.Capture.VMPolicy, cfg.Capture.Parallelism)
		fmt.Printf("Retention:   keep %d, keep days %d\n", cfg.Retention.KeepCount, cfg.Retention.KeepDays)
		return nil
	},
}

// metadata command
var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Manage the registry backup in the vault",
}

var metadataRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Replace the local registry with the newest vault backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var passphrase string
		if app.NeedsPassphrase(cfg.Encryption) {
			if passphrase, err = readPassphrase("Passphrase: "); err != nil {
				return err
			}
		}

		version, err := app.RestoreMetadata(cfg, passphrase, force)
		if err != nil {
			return err
		}
		fmt.Printf("Registry restored to version %d\n", version)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	metadataCmd.AddCommand(metadataRestoreCmd)
	metadataRestoreCmd.Flags().Bool("force", false, "Replace an existing local registry")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(metadataCmd)
	rootCmd.AddCommand(workloadCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(retentionCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(historyCmd)
}
