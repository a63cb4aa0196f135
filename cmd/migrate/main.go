package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/notdeveloper/notdeveloper-go/internal/config"
	"github.com/notdeveloper/notdeveloper-go/internal/repository"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := config.InitLogger(&cfg.Log)

	// 不挂失效通知，只建表
	db, err := repository.InitDB(&cfg.Database, nil, logger)
	if err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	fmt.Printf("✓ Migration completed successfully (%s)\n", cfg.Database.Type)
}
