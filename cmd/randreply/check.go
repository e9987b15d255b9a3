package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"randreply/internal/config"
	"randreply/internal/domain"
	"randreply/internal/engine"
	"randreply/internal/trigger"
)

type checkOptions struct {
	channel   string
	groupID   string
	groupName string
	userID    string
	userName  string
	private   bool
	mention   bool
	other     bool
	trials    int
	asJSON    bool
}

// checkReport is what `randreply check` prints.
type checkReport struct {
	Passed     bool           `json:"passed"`
	Reason     trigger.Reason `json:"reason,omitempty"`
	Keyword    string         `json:"keyword,omitempty"`
	Forward    bool           `json:"forward"`
	Cause      trigger.Cause  `json:"cause,omitempty"`
	Draw       int            `json:"draw,omitempty"`
	Trials     int            `json:"trials,omitempty"`
	Forwarded  int            `json:"forwarded,omitempty"`
	Rate       float64        `json:"rate,omitempty"`
	Configured float64        `json:"configured_rate"`
}

func checkCmd() *cobra.Command {
	var opts checkOptions
	cmd := &cobra.Command{
		Use:   "check [message]",
		Short: "Evaluate a message against the current config",
		Long: `Runs the gate chain and the sampler on one message without forwarding it.
With --trials the sampler is run repeatedly to estimate the forwarding rate.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			snap := config.NewStaticStore(cfg, logger).Snapshot()
			msg := opts.message(strings.Join(args, " "))
			report := runCheck(snap, &msg, opts.trials, nil, logger)
			return printReport(cmd.OutOrStdout(), report, opts.asJSON)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.channel, "channel", "cli", "channel name")
	f.StringVar(&opts.groupID, "group-id", "group-1", "group (or private chat) id")
	f.StringVar(&opts.groupName, "group-name", "test group", "group name")
	f.StringVar(&opts.userID, "user-id", "user-1", "sender id")
	f.StringVar(&opts.userName, "user-name", "tester", "sender name")
	f.BoolVar(&opts.private, "private", false, "treat as a private message")
	f.BoolVar(&opts.mention, "mention", false, "the message mentions the bot")
	f.BoolVar(&opts.other, "non-text", false, "treat as a non-text message")
	f.IntVar(&opts.trials, "trials", 0, "run the sampler this many times and report the rate")
	f.BoolVar(&opts.asJSON, "json", false, "print JSON")
	return cmd
}

func (o checkOptions) message(content string) domain.IncomingMessage {
	msg := domain.IncomingMessage{
		Channel:     o.channel,
		MessageID:   "check",
		IsGroup:     !o.private,
		ContentType: domain.ContentText,
		Content:     content,
		GroupID:     o.groupID,
		GroupName:   o.groupName,
		UserID:      o.userID,
		UserName:    o.userName,
		Mentioned:   o.mention,
		Timestamp:   time.Now(),
	}
	if o.other {
		msg.ContentType = domain.ContentOther
	}
	return msg
}

// runCheck evaluates msg once and, when it passes the gate, samples trials
// more times with src (nil for the default source).
func runCheck(snap *config.Snapshot, msg *domain.IncomingMessage, trials int, src trigger.Source, logger *slog.Logger) checkReport {
	eng := engine.New(engine.Options{Random: src, Logger: logger})
	defer eng.Close()

	ev := eng.Evaluate(msg, snap)
	report := checkReport{
		Passed:     ev.Gate.Passed(),
		Reason:     ev.Gate.Reason,
		Keyword:    ev.Gate.Keyword,
		Configured: float64(snap.Config.Trigger.Probability) / float64(config.MaxPerMille),
	}
	if !ev.Sampled {
		return report
	}
	report.Forward = ev.Decision.Forward
	report.Cause = ev.Decision.Cause
	report.Draw = ev.Decision.Draw

	if trials > 0 {
		sampler := trigger.NewSampler(src)
		for i := 0; i < trials; i++ {
			if sampler.Decide(ev.Gate.KeywordTriggered, snap.Config.Trigger.Probability).Forward {
				report.Forwarded++
			}
		}
		report.Trials = trials
		report.Rate = float64(report.Forwarded) / float64(trials)
	}
	return report
}

func printReport(w io.Writer, r checkReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	if !r.Passed {
		_, err := fmt.Fprintf(w, "rejected: %s\n", r.Reason)
		return err
	}
	verdict := "skip"
	if r.Forward {
		verdict = "forward"
	}
	fmt.Fprintf(w, "passed gate; %s (%s", verdict, r.Cause)
	if r.Keyword != "" {
		fmt.Fprintf(w, ", keyword %q", r.Keyword)
	}
	if r.Draw > 0 {
		fmt.Fprintf(w, ", draw %d", r.Draw)
	}
	fmt.Fprintln(w, ")")
	if r.Trials > 0 {
		fmt.Fprintf(w, "trials: %d, forwarded: %d, rate: %.4f (configured %.4f)\n", r.Trials, r.Forwarded, r.Rate, r.Configured)
	}
	return nil
}
