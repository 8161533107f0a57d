package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/eventboard/internal/config"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "eventboard",
		Short:         "Community events directory client and development gateway",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(viper.GetViper(), cfgFile)
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCommand(),
		newSignUpCommand(),
		newSignInCommand(),
		newSignOutCommand(),
		newWhoAmICommand(),
		newEventsCommand(),
		newRegisterCommand(),
		newUnregisterCommand(),
		newStaffCommand(),
		newConfirmCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("gateway-url", defaults.GetString("gateway.url"), "Gateway base URL")
	flags.String("api-key", defaults.GetString("gateway.api_key"), "Gateway public API key")
	flags.String("session-file", defaults.GetString("gateway.session_file"), "File holding the persisted session")
	flags.Duration("profile-timeout", defaults.GetDuration("session.profile_timeout"), "Profile fetch timeout")
	flags.String("http-address", defaults.GetString("emulator.http_address"), "Emulator HTTP listen address")
	flags.String("database-driver", defaults.GetString("emulator.database.driver"), "Emulator database driver (sqlite, postgres)")
	flags.String("database-dsn", defaults.GetString("emulator.database.dsn"), "Emulator database DSN or SQLite path")
	flags.String("signing-secret", "", "Emulator token signing secret (overrides env)")
	flags.Bool("confirm-email", defaults.GetBool("emulator.confirm_email"), "Require email confirmation before sign in")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "gateway.url", "gateway-url")
	bindFlag(cmd, "gateway.api_key", "api-key")
	bindFlag(cmd, "gateway.session_file", "session-file")
	bindFlag(cmd, "session.profile_timeout", "profile-timeout")
	bindFlag(cmd, "emulator.http_address", "http-address")
	bindFlag(cmd, "emulator.database.driver", "database-driver")
	bindFlag(cmd, "emulator.database.dsn", "database-dsn")
	bindFlag(cmd, "emulator.signing_secret", "signing-secret")
	bindFlag(cmd, "emulator.confirm_email", "confirm-email")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// initConfig reads the file named by --config. Without the flag only
// defaults, flags and environment apply.
func initConfig(configViper *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	configViper.SetConfigFile(path)
	if err := configViper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}
