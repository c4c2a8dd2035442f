package main

import (
	"fmt"
	"os"

	"github.com/nickdu088/VPT/internal/store"
)

// version is the relayctl/rendezvous build version, overridable at link
// time with -ldflags "-X main.version=...".
var version = "dev"

// runCLI handles relayctl subcommand execution. Returns true if a
// subcommand was handled.
func runCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("relayctl %s\n", version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "events":
		return cliEvents(args[1:], dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	events, err := st.RecentEvents(1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading audit log: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Version: %s\n", version)
	if len(events) == 0 {
		fmt.Println("No channel activity recorded yet.")
		return true
	}
	fmt.Printf("Most recent event: %s on channel %s at %s\n", events[0].Event, events[0].ChannelID, events[0].CreatedAt)
	return true
}

func cliEvents(args []string, dbPath string) bool {
	limit := 20
	if len(args) > 0 {
		fmt.Sscanf(args[0], "%d", &limit)
	}

	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	events, err := st.RecentEvents(limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading audit log: %v\n", err)
		os.Exit(1)
	}
	for _, e := range events {
		fmt.Printf("%s  %-8s channel=%s peer=%s port=%d reason=%s\n",
			e.CreatedAt.Format("2006-01-02T15:04:05Z"), e.Event, e.ChannelID, e.PeerAddr, e.Port, e.Reason)
	}
	return true
}
