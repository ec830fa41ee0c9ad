package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/garnizeh/sobershift/api"
	"github.com/garnizeh/sobershift/internal/config"
)

// token prints a signed bearer token for local testing of the /v1 routes.
func main() {
	configPath := flag.String("config", "", "Path to config YAML file")
	subject := flag.String("sub", "", "Buyer, worker or reviewer id")
	role := flag.String("role", api.RoleWorker, "buyer, worker, reviewer or admin")
	ttl := flag.Duration("ttl", 0, "Token lifetime (defaults to token_duration)")
	flag.Parse()

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "usage: token -sub w1 [-role worker] [-ttl 1h]")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	d := *ttl
	if d <= 0 {
		d = cfg.TokenDuration
	}
	if d <= 0 {
		d = time.Hour
	}

	tok, err := api.IssueToken(cfg.JWTSecret, *subject, *role, d)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Token error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
