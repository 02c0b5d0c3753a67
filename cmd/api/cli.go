package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"lab-report-dashboard/internal/chat"
	"lab-report-dashboard/internal/config"
	"lab-report-dashboard/internal/connectors/labapi"
	"lab-report-dashboard/internal/connectors/transcripts"
	"lab-report-dashboard/internal/dashboard"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#1f3c88")).MarginTop(1)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#a94442"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	tableBorder  = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))
)

func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Load the dashboard once and print it as tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			client := labapi.NewClientFromConfig(cfg)
			if !client.Enabled() {
				return labapi.ErrDisabled
			}
			snap := dashboard.NewLoader(client, cfg.TopTestsLimit, cfg.AlertsLimit, nil).Load(cmd.Context())
			fmt.Fprint(cmd.OutOrStdout(), renderSnapshot(snap))
			return nil
		},
	}
}

func renderSnapshot(snap *dashboard.Snapshot) string {
	var b strings.Builder

	b.WriteString(headingStyle.Render("Counters") + "\n")
	c := snap.Counters
	b.WriteString(newTable("Total", "Normal", "Abnormal", "Critical", "Unknown").
		Row(humanize.Comma(c.Total), humanize.Comma(c.Normal), humanize.Comma(c.Abnormal), humanize.Comma(c.Critical), humanize.Comma(c.Unknown)).
		String() + "\n")

	b.WriteString(headingStyle.Render("Top affected tests") + "\n")
	if snap.Failed(dashboard.PanelByLab) {
		b.WriteString(errorStyle.Render(snap.Errors[dashboard.PanelByLab]) + "\n")
	} else {
		t := newTable("Test", "Status", "Patients")
		for _, row := range snap.TopTests {
			t.Row(row.TestName, row.Status, humanize.Comma(row.PatientCount))
		}
		b.WriteString(t.String() + "\n")
	}

	b.WriteString(headingStyle.Render("Unreviewed critical alerts") + "\n")
	switch {
	case snap.Failed(dashboard.PanelCritical):
		b.WriteString(errorStyle.Render(snap.Errors[dashboard.PanelCritical]) + "\n")
	case snap.AlertsEmpty:
		b.WriteString(dashboard.NoAlertsMessage + "\n")
	default:
		for _, a := range snap.Alerts {
			b.WriteString("  " + a.Line + "\n")
		}
	}

	if len(snap.Errors) > 0 {
		panels := make([]string, 0, len(snap.Errors))
		for p := range snap.Errors {
			panels = append(panels, p)
		}
		sort.Strings(panels)
		b.WriteString(mutedStyle.Render("failed panels: "+strings.Join(panels, ", ")) + "\n")
	}
	b.WriteString(mutedStyle.Render("generated "+humanize.Time(snap.GeneratedAt)) + "\n")
	return b.String()
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(tableBorder).
		Headers(headers...)
}

func newAskCmd() *cobra.Command {
	var subject, question string
	var skipSummary bool

	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Wait for a subject's AI summary, then ask a question",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			client := labapi.NewClientFromConfig(cfg)
			if !client.Enabled() {
				return labapi.ErrDisabled
			}

			var store chat.TranscriptStore
			if cfg.TranscriptSQLitePath != "" {
				s, err := transcripts.NewSQLiteStore(cfg.TranscriptSQLitePath)
				if err != nil {
					return err
				}
				defer s.Close()
				store = s
			}
			svc := chat.NewService(client, chat.NewSummaryPoller(client, chat.PollOptionsFromConfig(cfg)), store)
			return runAsk(cmd.Context(), cmd, svc, subject, question, skipSummary)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject (patient) id")
	cmd.Flags().StringVar(&question, "question", "", "question to ask; omit to only print the summary")
	cmd.Flags().BoolVar(&skipSummary, "skip-summary", false, "do not wait for the AI summary")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func runAsk(ctx context.Context, cmd *cobra.Command, svc *chat.Service, subject, question string, skipSummary bool) error {
	out := cmd.OutOrStdout()

	var session chat.Session
	subject, ok := session.SetSubject(subject)
	if !ok {
		return chat.ErrNoSubject
	}

	if !skipSummary {
		fmt.Fprintln(os.Stderr, mutedStyle.Render("Generating AI summary..."))
		s, err := svc.Poller().Wait(ctx, subject)
		if err != nil {
			return errors.Wrap(err, "wait for ai summary")
		}
		md := s.Summary
		if s.Disclaimer != "" {
			md += "\n\n> " + s.Disclaimer
		}
		rendered, err := glamour.Render(md, "dark")
		if err != nil {
			rendered = md + "\n"
		}
		fmt.Fprint(out, rendered)
	}

	if strings.TrimSpace(question) == "" {
		return nil
	}
	ex, err := svc.Ask(ctx, subject, question)
	if err != nil {
		return err
	}
	rendered, err := glamour.Render(ex.Answer, "dark")
	if err != nil {
		rendered = ex.Answer + "\n"
	}
	fmt.Fprint(out, rendered)
	fmt.Fprintln(out, mutedStyle.Render("(Confidence: "+strconv.Itoa(ex.ConfidencePercent)+"%)"))
	return nil
}
