package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/registration-ledger/pkg/config"
	"github.com/angelmondragon/registration-ledger/pkg/db"
	"github.com/angelmondragon/registration-ledger/pkg/logger"
	"github.com/angelmondragon/registration-ledger/pkg/migrate"
)

func main() {
	cmd := flag.String("cmd", "up", "up|down|status|version|create|validate")
	dir := flag.String("dir", migrate.DefaultDir, "migrations directory (create/validate only)")
	name := flag.String("name", "", "migration name for -cmd=create")
	version := flag.String("version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	if err := run(*cmd, *dir, *name, *version); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s: %v\n", *cmd, err)
		os.Exit(1)
	}
}

func run(cmd, dir, name, version string) error {
	// create and validate work on files only and need no config
	switch cmd {
	case "create":
		if name == "" {
			return fmt.Errorf("missing -name")
		}
		return migrate.Create(dir, name)
	case "validate":
		if err := migrate.Validate(os.DirFS(dir)); err != nil {
			return err
		}
		fmt.Println("migrations valid:", dir)
		return nil
	}

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logg := logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx := logg.WithFields(context.Background(), map[string]any{"env": cfg.App.Env, "cmd": cmd})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbClient.Close()

	if cfg.DB.IsSQLite() {
		if cmd != "up" {
			return fmt.Errorf("sqlite only supports -cmd=up")
		}
		if err := migrate.BootstrapSQLite(ctx, dbClient.DB()); err != nil {
			return err
		}
		logg.Info(ctx, "migrate.sqlite_bootstrapped")
		return nil
	}

	sqlDB, err := dbClient.DB().DB()
	if err != nil {
		return fmt.Errorf("extract sql.DB: %w", err)
	}
	migrator, err := migrate.NewMigrator(sqlDB)
	if err != nil {
		return err
	}

	switch cmd {
	case "up":
		applied, err := migrator.Up(ctx)
		if err != nil {
			return err
		}
		logg.Info(logg.WithField(ctx, "applied", applied), "migrate.up_completed")
	case "down":
		reverted, err := migrator.Down(ctx)
		if err != nil {
			return err
		}
		logg.Info(logg.WithField(ctx, "reverted", reverted), "migrate.down_completed")
	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			applied := "pending"
			if !st.AppliedAt.IsZero() {
				applied = st.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-14d %-10s %s\n", st.Source.Version, st.State, applied)
		}
	case "version":
		if version == "" {
			return fmt.Errorf("missing -version")
		}
		moved, err := migrator.To(ctx, version)
		if err != nil {
			return err
		}
		logg.Info(logg.WithFields(ctx, map[string]any{"target": version, "migrations": moved}), "migrate.version_completed")
	default:
		return fmt.Errorf("unknown -cmd value %q", cmd)
	}
	return nil
}
