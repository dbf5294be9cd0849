package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/replicasync/replica/internal/config"
	"github.com/replicasync/replica/internal/crypto"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Manage replica configuration",
	Long: `Manage the replica configuration file.

Settings are read from, in increasing precedence: built-in defaults,
.replica/replica.yaml (or --config), and REPLICA_* environment variables.

Examples:
  replica config init
  REPLICA_SERVER_URL=https://sync.example.com replica config show`,
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a default config file and generate an encryption key",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{"skipConfig": "true"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := configPath
		if path == "" {
			path = filepath.Join(config.DirName, config.FileName)
		}
		if err := config.WriteDefault(path, force); err != nil {
			return err
		}

		keyFile := config.Default().Encryption.KeyFile
		keyCreated := false
		if _, err := os.Stat(keyFile); os.IsNotExist(err) {
			if err := crypto.GenerateKeyFile(keyFile); err != nil {
				return err
			}
			keyCreated = true
		}

		if jsonOutput {
			outputJSON(map[string]any{"config": path, "key_file": keyFile, "key_created": keyCreated})
			return nil
		}
		printer.Success("wrote %s", path)
		if keyCreated {
			printer.Success("generated encryption key %s", keyFile)
			printer.Warn("copy this key to your other devices; synced secrets cannot be read without it")
		}
		printer.Printf("Set server.url and server.token (or server.token_file) before running 'replica sync'.\n")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		data, err := cfg.YAML()
		if err != nil {
			return err
		}
		if cfg.File != "" {
			printer.Printf("%s\n", printer.Muted("# "+cfg.File))
		}
		printer.Printf("%s", data)
		return nil
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
