package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/john/chatmux/internal/kick"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: resolve-kick-channels <channel1> [channel2] ...")
		fmt.Println("\nExample:")
		fmt.Println("  resolve-kick-channels paymoneywubby xqc")
		os.Exit(1)
	}

	slugs := os.Args[1:]
	fmt.Printf("Resolving %d Kick channel(s)...\n\n", len(slugs))

	resolver := kick.NewResolver("", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results := make(map[string]kick.Identity)
	failures := make(map[string]string)
	for _, slug := range slugs {
		id, err := resolver.Resolve(ctx, slug)
		if err != nil {
			failures[slug] = err.Error()
			continue
		}
		results[slug] = id
	}

	if len(results) > 0 {
		fmt.Println("✓ Successfully resolved:")
		fmt.Println("---")
		for slug, id := range results {
			fmt.Printf("%s: chatroom %d (channel %d)\n", slug, id.ChatroomID, id.ChannelID)
		}
		fmt.Println()
	}

	if len(failures) > 0 {
		fmt.Println("✗ Failed to resolve:")
		fmt.Println("---")
		for slug, msg := range failures {
			fmt.Printf("%s: %s\n", slug, msg)
		}
		fmt.Println()
	}

	if len(results) > 0 {
		fmt.Println("Add this to your config.yaml:")
		fmt.Println("---")
		fmt.Println("kick:")
		fmt.Println("  enabled: true")
		fmt.Println("  channels:")
		for slug, id := range results {
			fmt.Printf("    - slug: %s\n", slug)
			fmt.Printf("      chatroom_id: %d\n", id.ChatroomID)
		}
	}

	if len(failures) > 0 {
		os.Exit(1)
	}
}
