/**
 * @description
 * Script to delete a Hookdeck source by its ID.
 * Use it to clean up sources left behind by test profiles or by a provisioning
 * run that failed before the source was saved on the profile, so the profile
 * can be provisioned again.
 *
 * Usage:
 *   go run ./account-service/cmd/delete-hookdeck-source <source-id>
 *
 * Example:
 *   go run ./account-service/cmd/delete-hookdeck-source src_2fk9x8c1
 *
 * @dependencies
 * - Environment variables: HOOKDECK_API_KEY, HOOKDECK_API_URL (optional)
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/thankdonors/backend/account-service/internal/domain"
	"github.com/thankdonors/backend/account-service/pkg/hookdeckclient"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: go run ./account-service/cmd/delete-hookdeck-source <source-id>")
		fmt.Println("Example: go run ./account-service/cmd/delete-hookdeck-source src_2fk9x8c1")
		os.Exit(1)
	}
	sourceID := os.Args[1]

	_ = godotenv.Load("../.env")
	_ = godotenv.Load(".env")

	apiKey := os.Getenv("HOOKDECK_API_KEY")
	if apiKey == "" {
		log.Fatal("HOOKDECK_API_KEY environment variable is required")
	}
	client := hookdeckclient.NewClient(os.Getenv("HOOKDECK_API_URL"), apiKey)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("Fetching source information for ID: %s\n", sourceID)
	src, err := client.GetSource(ctx, sourceID)
	if err != nil {
		if errors.Is(err, domain.ErrRoutingSourceNotFound) {
			fmt.Printf("Source %s does not exist; nothing to delete.\n", sourceID)
			return
		}
		log.Fatalf("Failed to fetch source: %v", err)
	}

	fmt.Printf("Source Details:\n")
	fmt.Printf("  ID: %s\n", src.ID)
	fmt.Printf("  Name: %s\n", src.Name)
	fmt.Printf("  URL: %s\n", src.URL)
	if src.CreatedAt != nil {
		fmt.Printf("  Created: %s\n", src.CreatedAt.Format(time.RFC3339))
	}

	fmt.Printf("\nDonations sent to this URL will stop being relayed. Delete it? (yes/no): ")
	var confirmation string
	fmt.Scanln(&confirmation)
	if confirmation != "yes" {
		fmt.Println("Deletion cancelled.")
		os.Exit(0)
	}

	fmt.Printf("Deleting source %s...\n", sourceID)
	if err := client.DeleteSource(ctx, sourceID); err != nil && !errors.Is(err, domain.ErrRoutingSourceNotFound) {
		log.Fatalf("Failed to delete source: %v", err)
	}

	fmt.Printf("Deleted source %s\n", sourceID)
	fmt.Println("Clear the profile's webhook fields (DELETE /webhooks) before provisioning it again.")
}
