package admin

import (
	"fmt"

	"github.com/cloo-solutions/strata/internal/database"
	"github.com/spf13/cobra"
)

func MigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or revert database migrations",
		Long:      "Apply all pending migrations (up, the default) or revert the latest one (down)",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(database.MigrateUp), string(database.MigrateDown)},
		RunE:      runMigrate,
	}

	cmd.Flags().String("path", "", "Migration source URL (overrides STRATA_MIGRATIONS_PATH)")

	return cmd
}

func runMigrate(cmd *cobra.Command, args []string) error {
	direction := database.MigrateUp
	if len(args) == 1 {
		direction = database.MigrationDirection(args[0])
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	source := cfg.MigrationsPath
	if path, _ := cmd.Flags().GetString("path"); path != "" {
		source = path
	}

	if err := database.Migrate(cfg.DatabaseURL, source, direction, logger); err != nil {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	return nil
}
