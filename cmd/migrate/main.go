package main

import (
	"log"

	"github.com/pressly/goose/v3"
	"gorm.io/driver/clickhouse"
	"gorm.io/gorm"

	"github.com/ChikamsoChidebe/Photonx/configs"
)

func main() {
	cfg := configs.AppLoad()
	if cfg.AuditDSN == "" {
		log.Fatal("CLICKHOUSE_HOST must be set to run audit migrations")
	}

	db, err := gorm.Open(clickhouse.Open(cfg.AuditDSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("Failed to get sql.DB: %v", err)
	}
	if err := goose.SetDialect("clickhouse"); err != nil {
		log.Fatalf("Goose: failed to set dialect: %v", err)
	}
	log.Println("Running audit database migrations...")
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		log.Fatalf("Goose migration failed: %v", err)
	}
	log.Println("Migrations complete")
}
