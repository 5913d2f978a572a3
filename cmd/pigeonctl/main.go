package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pigeon-im/pigeon/internal/profile"
	"github.com/pigeon-im/pigeon/internal/store"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "identity" {
		cmdIdentity(profileName)
		return
	}

	db, err := store.Open(profile.DBPath(profileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot open store for profile %q: %v\n", profileName, err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	switch args[0] {
	case "conversations":
		cmdConversations(db, *jsonFlag)
	case "history":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: pigeonctl history <peer-id>")
			os.Exit(1)
		}
		cmdHistory(db, args[1], *jsonFlag)
	case "search":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: pigeonctl search <query>")
			os.Exit(1)
		}
		cmdSearch(db, args[1], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: pigeonctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  conversations      List conversations by recency")
	fmt.Fprintln(os.Stderr, "  history <peer-id>  Show messages exchanged with a peer")
	fmt.Fprintln(os.Stderr, "  search <query>     Full-text search over message history")
	fmt.Fprintln(os.Stderr, "  identity           Print this profile's peer identity")
}

func cmdIdentity(profileName string) {
	id, err := profile.LoadIdentity(profileName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(id)
}

func cmdConversations(db *store.DB, jsonOut bool) {
	convs, err := db.ListConversations(50, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("no conversations")
		return
	}
	for _, c := range convs {
		marker := " "
		if c.UnreadCount > 0 {
			marker = fmt.Sprintf("(%d)", c.UnreadCount)
		}
		fmt.Printf("%-44s %s %s %s\n", c.PeerID, formatTime(c.LastMessageAt), marker, c.LastMessagePreview)
	}
}

func cmdHistory(db *store.DB, peerID string, jsonOut bool) {
	msgs, err := db.ListMessages(peerID, 0, 50)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	// ListMessages returns newest first; print oldest first like a thread.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		who := m.Sender
		if m.FromSelf {
			who = "me"
		}
		fmt.Printf("[%s] %s: %s\n", formatTime(m.Timestamp), who, m.Content)
	}
}

func cmdSearch(db *store.DB, query string, jsonOut bool) {
	results, err := db.SearchMessages(query, "", 25)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(results)
		return
	}
	if len(results) == 0 {
		fmt.Println("no matches")
		return
	}
	for _, r := range results {
		fmt.Printf("[%s] %s: %s\n", formatTime(r.Message.Timestamp), r.Message.PeerID, r.Snippet)
	}
}

func formatTime(millis int64) string {
	if millis <= 0 {
		return "-"
	}
	return time.UnixMilli(millis).Format("2006-01-02 15:04")
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
