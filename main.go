// SPDX-License-Identifier: GPL-3.0-or-later
package main

import (
	"fmt"
	"os"

	"github.com/CrawX/go-imap-notifier/log"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "go-imap-notifier",
	Short: "Forward new mail to a Telegram chat",
	Long: `go-imap-notifier watches an IMAP or POP3 mailbox and sends a Telegram
notification for every new message, exactly once.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "config.toml", "Path to the config file")
}

func main() {
	log.InitLogging("info")
	logger := log.Logger(log.LOG_MAIN)

	err := rootCmd.Execute()
	if err != nil {
		logger.WithField("error", err).Error("Command failed")
		os.Exit(1)
	}
}
