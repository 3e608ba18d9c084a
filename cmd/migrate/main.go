package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"cardsync/internal/platform/config"
	"cardsync/internal/platform/database"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	db, err := database.NewDB(cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	applied, err := database.Migrate(context.Background(), db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}

	for _, v := range applied {
		fmt.Printf("Applied migration: %s\n", v)
	}
	if len(applied) == 0 {
		fmt.Println("Database is up to date")
		return
	}
	fmt.Println("Migration completed successfully")
}
