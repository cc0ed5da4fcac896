package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xtrntr/stockmarket/internal/cli"
	"github.com/xtrntr/stockmarket/internal/config"
	"github.com/xtrntr/stockmarket/internal/db"
	"github.com/xtrntr/stockmarket/internal/log"
	"github.com/xtrntr/stockmarket/internal/seed"
)

var (
	reset    bool
	fixtures string
)

// Seed the database with demo stocks, traders and orders
func main() {
	rootCmd := &cobra.Command{
		Use:          "seed",
		Short:        "Fill the database with demo data",
		SilenceUsage: true,
		RunE:         runSeed,
	}
	config.AddDatabaseFlags(rootCmd.Flags())
	rootCmd.Flags().BoolVar(&reset, "reset", false, "empty every table before seeding")
	rootCmd.Flags().StringVar(&fixtures, "fixtures", "", "YAML fixtures file (defaults to the built-in demo data)")

	cmd := cli.PrepareBaseCmd(rootCmd, "STOCKMARKET")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := log.NewDefaultLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}

	f, err := seed.Default()
	if fixtures != "" {
		f, err = seed.Load(fixtures)
	}
	if err != nil {
		return err
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return err
	}
	if reset {
		if err := database.Reset(ctx); err != nil {
			return err
		}
		logger.Info("emptied database")
	}

	res, err := seed.Run(ctx, database, cfg.Auth.BcryptCost, f, logger)
	if errors.Is(err, seed.ErrAlreadySeeded) {
		fmt.Println("Database already has stocks. Run with --reset to start over.")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("Seeded %d stocks, %d traders and %d orders.\n", res.Stocks, res.Traders, res.Orders)
	return nil
}
