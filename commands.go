// SPDX-License-Identifier: GPL-3.0-or-later
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/CrawX/go-imap-notifier/credential"
	"github.com/CrawX/go-imap-notifier/domain"
	"github.com/CrawX/go-imap-notifier/export"
	"github.com/CrawX/go-imap-notifier/mail"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const testTimeout = time.Minute

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the mailbox and forward new mail until interrupted",
	RunE:  runRun,
}

var testMailboxCmd = &cobra.Command{
	Use:   "test-mailbox",
	Short: "Log in to the mailbox and select the folder",
	RunE:  runTestMailbox,
}

var testDeliveryCmd = &cobra.Command{
	Use:   "test-delivery",
	Short: "Send a test notification to the configured chat",
	RunE:  runTestDelivery,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List delivery attempts, newest first",
	RunE:  runHistory,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show delivery counters",
	RunE:  runStats,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export delivery attempts as csv or xlsx",
	RunE:  runExport,
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage secrets referenced as keyring:<name> in the config",
}

var secretSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Store a secret read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretSet,
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return credential.NewResolver().Delete(args[0])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "go-imap-notifier %s\n", rootCmd.Version)
	},
}

var (
	outcomeFlag string
	searchFlag  string
	sinceFlag   time.Duration
	finalFlag   bool
	limitFlag   int
	formatFlag  string
	outputFlag  string
)

func init() {
	for _, cmd := range []*cobra.Command{historyCmd, exportCmd} {
		cmd.Flags().StringVar(&outcomeFlag, "outcome", "", "Only show attempts with this outcome (success, transient-failure, permanent-failure)")
		cmd.Flags().StringVar(&searchFlag, "search", "", "Only show attempts whose sender or subject contains this text")
		cmd.Flags().DurationVar(&sinceFlag, "since", 0, "Only show attempts of the last duration, e.g. 24h")
		cmd.Flags().BoolVar(&finalFlag, "final", false, "Hide intermediate retry attempts")
	}
	historyCmd.Flags().IntVar(&limitFlag, "limit", 50, "Maximum number of attempts to show, 0 for all")
	exportCmd.Flags().StringVar(&formatFlag, "format", string(export.FormatCSV), "Export format, csv or xlsx")
	exportCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Output file, stdout when empty")

	secretCmd.AddCommand(secretSetCmd, secretDeleteCmd)
	rootCmd.AddCommand(runCmd, testMailboxCmd, testDeliveryCmd, historyCmd, statsCmd, exportCmd, secretCmd, versionCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(conf, true)
	if err != nil {
		return err
	}
	defer a.Close()
	a.serveMetrics()

	templateConfig, err := conf.TemplateConfig()
	if err != nil {
		return err
	}

	creds := conf.Credentials()
	a.l.WithFields(logrus.Fields{"mailbox": creds.WithDefaults().Namespace(), "dryrun": conf.Pipeline.DryRun}).Info("Starting pipeline")
	_, err = a.service.StartPipeline(creds, conf.TelegramConfig(), templateConfig)
	if err != nil {
		return fmt.Errorf("could not start pipeline: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline := a.service.Pipeline()
	select {
	case <-ctx.Done():
		a.l.Info("Interrupted, stopping")
		a.service.StopPipeline()
	case <-pipeline.Done():
	}

	stats, err := a.service.GetStats(context.Background())
	if err == nil {
		a.l.WithFields(logrus.Fields{"sent": stats.Sent, "failed": stats.Failed, "attempts": stats.Attempts}).Info("Pipeline stopped")
	}

	return pipeline.Err()
}

func runTestMailbox(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(conf, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), testTimeout)
	defer cancel()

	creds := conf.Credentials()
	err = a.service.TestMailboxConnection(ctx, creds)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Connected to %s\n", creds.WithDefaults().Namespace())
	return nil
}

func runTestDelivery(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(conf, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), testTimeout)
	defer cancel()

	attempt, err := a.service.TestDelivery(ctx, conf.TelegramConfig())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Test notification delivered in %s (message %s)\n", attempt.Latency.Round(time.Millisecond), attempt.ProviderMessageID)
	return nil
}

func historyFilter() domain.HistoryFilter {
	filter := domain.HistoryFilter{
		Outcome:   domain.AttemptOutcome(outcomeFlag),
		Search:    searchFlag,
		FinalOnly: finalFlag,
	}
	if sinceFlag > 0 {
		filter.From = time.Now().Add(-sinceFlag)
	}
	return filter
}

func runHistory(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(conf, false)
	if err != nil {
		return err
	}
	defer a.Close()

	filter := historyFilter()
	filter.Limit = limitFlag
	attempts, err := a.service.QueryHistory(cmd.Context(), filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tOUTCOME\tATTEMPT\tFROM\tSUBJECT\tERROR")
	for _, attempt := range attempts {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			attempt.Timestamp.Local().Format(time.DateTime),
			attempt.Outcome,
			attempt.Attempt,
			attempt.Sender,
			mail.ShortSubject(attempt.Subject),
			attempt.Error,
		)
	}
	return w.Flush()
}

func runStats(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(conf, false)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.service.GetStats(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Total\t%d\n", stats.Total)
	fmt.Fprintf(w, "Sent\t%d\n", stats.Sent)
	fmt.Fprintf(w, "Failed\t%d\n", stats.Failed)
	fmt.Fprintf(w, "Attempts\t%d\n", stats.Attempts)
	return w.Flush()
}

func runExport(cmd *cobra.Command, args []string) error {
	format, err := export.ParseFormat(formatFlag)
	if err != nil {
		return err
	}

	conf, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(conf, false)
	if err != nil {
		return err
	}
	defer a.Close()

	var out io.Writer = cmd.OutOrStdout()
	if len(outputFlag) > 0 {
		f, err := os.Create(outputFlag)
		if err != nil {
			return fmt.Errorf("could not create %s: %w", outputFlag, err)
		}
		defer f.Close()
		out = f
	}

	return a.service.ExportHistory(cmd.Context(), out, format, historyFilter())
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Enter value for %s: ", args[0])
	value, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("could not read secret: %w", err)
	}
	value = strings.TrimRight(value, "\r\n")
	if len(value) == 0 {
		return fmt.Errorf("secret must not be empty")
	}

	err = credential.NewResolver().Set(args[0], value)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Stored, reference it as %s%s\n", credential.Prefix, args[0])
	return nil
}
