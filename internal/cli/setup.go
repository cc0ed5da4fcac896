// Package cli prepares cobra commands so that flags, an optional config
// file, a .env file and the environment all land in viper.
package cli

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xtrntr/stockmarket/internal/config"
)

const (
	ConfigFlag  = "config"
	EnvFileFlag = "env-file"
)

// PrepareBaseCmd wires env, config file and flag handling into the root
// command of a binary.
func PrepareBaseCmd(cmd *cobra.Command, envPrefix string) *cobra.Command {
	cobra.OnInitialize(func() { InitEnv(envPrefix) })
	cmd.PersistentFlags().String(ConfigFlag, "", "config file (toml, yaml or json)")
	cmd.PersistentFlags().String(EnvFileFlag, ".env", "dotenv file loaded before reading the environment")
	cmd.PersistentPreRunE = concatCobraCmdFuncs(LoadEnvFile, BindFlagsLoadViper, cmd.PersistentPreRunE)
	return cmd
}

// InitEnv makes viper read STOCKMARKET_* style variables and registers the
// configuration defaults.
func InitEnv(prefix string) {
	config.SetDefaults(viper.GetViper())
	viper.SetEnvPrefix(strings.ToUpper(prefix))
	viper.SetEnvKeyReplacer(config.EnvKeyReplacer)
	viper.AutomaticEnv()
}

type cobraCmdFunc func(cmd *cobra.Command, args []string) error

// Returns a single function that calls each argument function in sequence
func concatCobraCmdFuncs(fs ...cobraCmdFunc) cobraCmdFunc {
	return func(cmd *cobra.Command, args []string) error {
		for _, f := range fs {
			if f != nil {
				if err := f(cmd, args); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

// LoadEnvFile loads the dotenv file named by --env-file. A missing file is
// not an error. Variables already set in the environment win.
func LoadEnvFile(cmd *cobra.Command, args []string) error {
	path, err := cmd.Flags().GetString(EnvFileFlag)
	if err != nil || path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// BindFlagsLoadViper binds all flags and reads the config file into viper.
func BindFlagsLoadViper(cmd *cobra.Command, args []string) error {
	// cmd.Flags() includes flags from this command and all persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	path := viper.GetString(ConfigFlag)
	if path == "" {
		return nil
	}
	viper.SetConfigFile(path)
	return viper.ReadInConfig()
}
