// This file runs database schema migrations.
// How to run:
// go run cmd/migrate/main.go
package main

import (
	"log"

	"github.com/dcmirror/dcmirror/internal/config"
	"github.com/dcmirror/dcmirror/internal/db"
)

func main() {
	cfg := config.Load()

	gdb, err := db.New(db.Options{
		Host:       cfg.Database.Host,
		Port:       cfg.Database.Port,
		User:       cfg.Database.User,
		Password:   cfg.Database.Password,
		DBName:     cfg.Database.Name,
		SSLEnabled: cfg.Database.SSLEnabled,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := db.Migrate(gdb); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Migrations completed successfully")
}
