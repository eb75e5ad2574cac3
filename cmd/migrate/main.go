// Command migrate applies the schema migrations in migrations/ using
// goose. DATABASE_URL selects the target database.
//
// Usage:
//
//	go run ./cmd/migrate up
//	go run ./cmd/migrate down
//	go run ./cmd/migrate status
//	go run ./cmd/migrate up-to <version>
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|down|status|version|redo|up-to N|down-to N>")
		os.Exit(1)
	}
	command, args := os.Args[1], os.Args[2:]

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("connect to database: %v", err)
	}

	if err := goose.RunContext(context.Background(), command, db, "migrations", args...); err != nil {
		log.Fatalf("goose %s: %v", command, err)
	}
}
