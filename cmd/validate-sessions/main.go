// Command validate-sessions checks SESSIONS_FILE documents before deploy.
package main

import (
	"fmt"
	"os"

	"github.com/msx98/telelog/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: validate-sessions FILE...")
		os.Exit(0)
	}

	failed := false
	for _, path := range os.Args[1:] {
		sessions, err := config.LoadSessionsFile(path)
		if err != nil {
			fmt.Printf("FAIL %s: %v\n", path, err)
			failed = true
			continue
		}

		seen := make(map[string]bool, len(sessions))
		for _, s := range sessions {
			if seen[s.Name] {
				fmt.Printf("FAIL %s: duplicate session %q\n", path, s.Name)
				failed = true
			}
			seen[s.Name] = true
		}
		fmt.Printf("ok   %s: %d session(s)\n", path, len(sessions))
	}

	if failed {
		os.Exit(1)
	}
}
