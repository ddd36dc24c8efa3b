// Command StampPipe runs the stamp card WhatsApp bot: the webhook server, the
// background jobs and the maintenance commands around them.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
