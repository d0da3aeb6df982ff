// Database schema migration tool
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/shortside/locatefee/internal/config"
	"github.com/shortside/locatefee/internal/db"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	dbURL := flag.String("db", os.Getenv("DATABASE_URL"), "database connection URL, overrides config")
	flag.Parse()

	url := *dbURL
	if url == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		url = cfg.Database.GetDSN()
	}

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{URL: url})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.Migrate(ctx, database.Pool()); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Schema applied")
}
