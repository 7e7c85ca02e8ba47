package main

import (
	"fmt"
	"log"
	"os"

	"whale-core/pkg/config"
	"whale-core/pkg/db"
)

// verify_schema checks that the configured database carries every column the
// engine queries. Pass -migrate to apply pending migrations first.
//
// Usage:
//
//	go run ./scripts/verify_schema [-migrate]
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	fmt.Printf("Verifying database at: %s\n", cfg.DBPath)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer database.Close()

	if len(os.Args) > 1 && os.Args[1] == "-migrate" {
		if err := db.ApplyMigrations(database); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Println("✓ migrations applied")
	}

	missing, err := db.CheckSchema(database)
	if err != nil {
		log.Fatalf("Schema check failed: %v", err)
	}
	if len(missing) == 0 {
		fmt.Println("✓ schema is current")
		return
	}
	for _, col := range missing {
		fmt.Printf("❌ %s MISSING\n", col)
	}
	os.Exit(1)
}
