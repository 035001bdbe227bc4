package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/ignite/segment-engine/migrations"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate up | down [steps] | version")
	os.Exit(2)
}

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if len(os.Args) < 2 {
		usage()
	}

	ctx := context.Background()
	logger := log.New(os.Stderr, "[migrate] ", log.LstdFlags)

	switch os.Args[1] {
	case "up":
		if err := migrations.Apply(ctx, dsn, logger); err != nil {
			log.Fatalf("up: %v", err)
		}
	case "down":
		steps := 1
		if len(os.Args) > 2 {
			n, err := strconv.Atoi(os.Args[2])
			if err != nil {
				usage()
			}
			steps = n
		}
		if err := migrations.Rollback(ctx, dsn, steps, logger); err != nil {
			log.Fatalf("down: %v", err)
		}
	case "version":
		v, dirty, err := migrations.Version(ctx, dsn)
		if err != nil {
			log.Fatalf("version: %v", err)
		}
		fmt.Printf("version %d (dirty=%t)\n", v, dirty)
		return
	default:
		usage()
	}
	log.Println("Migrations complete")
}
