package main

import (
	"flag"
	"fmt"
	"os"

	"carechat/internal/app"
)

func main() {
	defaultServer := envOrDefault("CARECHAT_SERVER", "http://localhost:8080")
	defaultUser := envOrDefault("CARECHAT_USER", "")

	serverURL := flag.String("server", defaultServer, "server base URL (e.g., http://localhost:8080)")
	username := flag.String("user", defaultUser, "default username for login prompts")
	flag.Parse()

	args := flag.Args()
	var conversation string
	if len(args) >= 1 {
		conversation = args[0]
	}

	cfg := app.ClientConfig{
		ServerURL:    *serverURL,
		Conversation: conversation,
		Username:     *username,
	}

	if err := app.RunClient(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
