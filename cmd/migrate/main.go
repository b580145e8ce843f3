package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"shop-service/internal/store"
	"shop-service/internal/util"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cmd := flag.String("cmd", "up", "migration command: up|down|status|version|redo|reset")
	dbURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "postgres connection string")
	flag.Parse()

	if err := util.InitLogger(os.Getenv("ENV"), os.Getenv("LOG_LEVEL")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.SyncLogger()
	logger := util.GetLogger().With(zap.String("cmd", *cmd))

	if *dbURL == "" {
		fmt.Fprintln(os.Stderr, "missing -database-url (or DATABASE_URL)")
		os.Exit(1)
	}

	ctx := context.Background()
	st, err := store.NewStore(*dbURL)
	requireResource(logger, "database", err)
	defer st.Close()

	logger.Info("migrate ready")

	if err := store.Migrate(ctx, st.DB().DB, *cmd, flag.Args()...); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}
	logger.Info("migrate finished")
}

func requireResource(logger *zap.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logger.Error(fmt.Sprintf("resource not working: %s", resource), zap.Error(err))
	os.Exit(1)
}
