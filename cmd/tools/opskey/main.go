package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/noah-isme/planbox/internal/auth"
)

// opskey mints operator credentials. With -name it prints a fresh API key
// and the OPERATOR_API_KEY_HASHES entry for it; with -subject it signs a
// bearer token with OPERATOR_JWT_SECRET.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	name := flag.String("name", "", "api key name")
	subject := flag.String("subject", "", "token subject")
	ttl := flag.Duration("ttl", 8*time.Hour, "token lifetime")
	flag.Parse()

	switch {
	case *name != "":
		key, err := auth.GenerateAPIKey()
		if err != nil {
			log.Fatalf("generate key: %v", err)
		}
		hash, err := auth.HashAPIKey(key)
		if err != nil {
			log.Fatalf("hash key: %v", err)
		}
		fmt.Printf("key:   %s\nentry: %s:%s\n", key, *name, hash)
	case *subject != "":
		ops, err := auth.NewOperators(auth.Config{
			Secret:   os.Getenv("OPERATOR_JWT_SECRET"),
			Issuer:   os.Getenv("OPERATOR_JWT_ISSUER"),
			Audience: os.Getenv("OPERATOR_JWT_AUDIENCE"),
			Role:     os.Getenv("OPERATOR_ROLE"),
		})
		if err != nil {
			log.Fatalf("operators: %v", err)
		}
		token, expires, err := ops.IssueToken(*subject, *ttl)
		if err != nil {
			log.Fatalf("issue token: %v", err)
		}
		fmt.Printf("token:   %s\nexpires: %s\n", token, expires.UTC().Format(time.RFC3339))
	default:
		flag.Usage()
		os.Exit(2)
	}
}
