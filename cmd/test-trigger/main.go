// Command test-trigger is a manual test for the global hotkey affordance.
// Run it, then press the combo to see events.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-trigger [--keys ctrl+shift+b]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/nus-bridge/internal/hotkey"
)

func main() {
	combo := flag.String("keys", "ctrl+shift+b", "key combo to listen for")
	flag.Parse()

	keys := hotkey.ParseKeys(*combo)
	if keys == nil {
		fmt.Printf("Unknown key in %q\n", *combo)
		os.Exit(1)
	}
	fmt.Printf("Listening for %s...\n", *combo)
	fmt.Println("Press Ctrl+C to exit.")

	listener := hotkey.NewListener(keys)

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	go func() {
		n := 0
		for range listener.Events() {
			n++
			fmt.Printf(">>> PRESSED (%d)\n", n)
		}
		fmt.Println("Event channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
