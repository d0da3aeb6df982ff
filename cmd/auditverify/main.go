// Audit chain verification tool. Replays a client's audit partition from the
// database and checks every hash link back to genesis.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/shortside/locatefee/internal/audit"
	"github.com/shortside/locatefee/internal/config"
	"github.com/shortside/locatefee/internal/db"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	dbURL := flag.String("db", os.Getenv("DATABASE_URL"), "database connection URL, overrides config")
	clientID := flag.String("client", "", "client partition to verify")
	flag.Parse()

	if *clientID == "" {
		fmt.Fprintln(os.Stderr, "Usage: auditverify -client=<client_id> [-db=<url>]")
		os.Exit(1)
	}

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

	records, err := db.NewAuditStore(database.Pool()).ListRecords(ctx, *clientID, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load audit records: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Printf("No audit records for client %s\n", *clientID)
		return
	}

	if idx, err := audit.VerifyChain(records); idx >= 0 {
		fmt.Fprintf(os.Stderr, "Chain broken at seq %d: %v\n", records[idx].Seq, err)
		os.Exit(1)
	}

	fmt.Printf("Chain intact: %d records for client %s\n", len(records), *clientID)
}
