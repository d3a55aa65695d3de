package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/puzzlearena/backend/internal/auth"
	"github.com/puzzlearena/backend/internal/config"
)

// devtoken prints a signed session token for local testing of the websocket
// endpoint. Real tokens are issued by the web app.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.IsProduction() {
		log.Fatal("devtoken refuses to run with APP_ENV=production")
	}

	userID := os.Getenv("DEV_USER_ID")
	if userID == "" {
		userID = "dev-user"
		log.Printf("Using default user id: %s", userID)
	}
	name := os.Getenv("DEV_USER_NAME")

	rating := 0
	if v := os.Getenv("DEV_USER_RATING"); v != "" {
		if rating, err = strconv.Atoi(v); err != nil {
			log.Fatalf("DEV_USER_RATING: %v", err)
		}
	}

	ttl := 24 * time.Hour
	if v := os.Getenv("DEV_TOKEN_TTL"); v != "" {
		if ttl, err = time.ParseDuration(v); err != nil {
			log.Fatalf("DEV_TOKEN_TTL: %v", err)
		}
	}

	token, err := auth.NewVerifier(cfg.JWTSecret).Issue(userID, name, rating, ttl)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	log.Printf("Token for %s valid for %s; connect with ws://localhost:%s/api/v1/ws?token=<token>", userID, ttl, cfg.Port)
	fmt.Println(token)
}
