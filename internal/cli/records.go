package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	apperrors "tickwatch/internal/errors"
	"tickwatch/internal/models"
	"tickwatch/internal/security"
	"tickwatch/internal/store"
)

func newRecipientsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recipients",
		Short: "Manage delivery profiles",
	}

	var (
		phone    string
		channel  string
		chatID   int64
		fallback bool
	)
	set := &cobra.Command{
		Use:     "set <user>",
		Short:   "Create or replace a user's delivery profile",
		Args:    cobra.ExactArgs(1),
		Example: `  tickwatch recipients set alice --phone +15551234567 --channel call --fallback`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := &models.Recipient{
				UserID:           strings.TrimSpace(args[0]),
				Phone:            strings.TrimSpace(phone),
				PreferredChannel: models.Channel(strings.ToLower(channel)),
				TelegramChatID:   chatID,
				FallbackEnabled:  fallback,
			}
			switch r.PreferredChannel {
			case models.ChannelCall, models.ChannelSMS, models.ChannelTelegram:
			default:
				return apperrors.NewValidationError("channel", channel, "must be call, sms or telegram")
			}
			if r.PreferredChannel == models.ChannelTelegram && r.TelegramChatID == 0 {
				return apperrors.NewValidationError("chat-id", chatID, "telegram needs a chat id")
			}
			if r.Phone == "" && r.PreferredChannel != models.ChannelTelegram {
				return apperrors.NewValidationError("phone", phone, "phone is required for call and sms")
			}

			st, err := app.openStore()
			if err != nil {
				return err
			}
			if err := st.SaveRecipient(cmd.Context(), r); err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(r)
			}
			output.Success("✓ %s will be reached by %s at %s", r.UserID, r.PreferredChannel, security.MaskPhone(r.Phone))
			return nil
		},
	}
	set.Flags().StringVar(&phone, "phone", "", "E.164 phone number")
	set.Flags().StringVar(&channel, "channel", string(models.ChannelCall), "call, sms or telegram")
	set.Flags().Int64Var(&chatID, "chat-id", 0, "Telegram chat id")
	set.Flags().BoolVar(&fallback, "fallback", true, "fall back to SMS when a call fails")

	show := &cobra.Command{
		Use:   "show <user>",
		Short: "Show a user's delivery profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.openStore()
			if err != nil {
				return err
			}
			r, err := st.GetRecipient(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(r)
			}
			output.Bold("Recipient %s", r.UserID)
			output.Printf("  Phone:    %s\n", security.MaskPhone(r.Phone))
			output.Printf("  Channel:  %s\n", r.PreferredChannel)
			if r.TelegramChatID != 0 {
				output.Printf("  Telegram: %d\n", r.TelegramChatID)
			}
			output.Printf("  Fallback: %v\n", r.FallbackEnabled)
			return nil
		},
	}

	cmd.AddCommand(set, show)
	return cmd
}

func newUsageCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect the per-day usage ledger",
	}

	var date string
	show := &cobra.Command{
		Use:   "show <user>",
		Short: "Show a user's call and SMS usage per sender identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if date == "" {
				date = time.Now().UTC().Format("2006-01-02")
			}
			if _, err := time.Parse("2006-01-02", date); err != nil {
				return apperrors.NewValidationError("date", date, "expected YYYY-MM-DD")
			}

			st, err := app.openStore()
			if err != nil {
				return err
			}
			entries, err := st.ListUsage(cmd.Context(), args[0], date)
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(entries)
			}
			if len(entries) == 0 {
				output.Dim("No usage for %s on %s", args[0], date)
				return nil
			}

			output.Bold("Usage for %s on %s", args[0], date)
			t := NewTable(output, "IDENTITY", "CALLS", "SMS", "LAST CALL", "RISK", "FAILURES", "BLOCKED")
			calls, sms := 0, 0
			for _, e := range entries {
				calls += e.CallCount
				sms += e.SMSCount
				t.AddRow(
					security.MaskPhone(e.Identity),
					strconv.Itoa(e.CallCount),
					strconv.Itoa(e.SMSCount),
					FormatOptionalTime(e.LastCallAt),
					riskCell(output, e.RiskScore),
					strconv.Itoa(e.ConsecutiveFailures),
					blockedCell(output, &e),
				)
			}
			t.Render()
			output.Dim("Total: %s calls, %s SMS", humanize.Comma(int64(calls)), humanize.Comma(int64(sms)))
			return nil
		},
	}
	show.Flags().StringVar(&date, "date", "", "UTC day as YYYY-MM-DD (default today)")

	senders := &cobra.Command{
		Use:   "senders",
		Short: "Show sender identity statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.openStore()
			if err != nil {
				return err
			}
			stats, err := st.GetSenderStats(cmd.Context())
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(stats)
			}
			if len(stats) == 0 {
				output.Dim("No sender statistics yet")
				return nil
			}
			t := NewTable(output, "IDENTITY", "CALLS", "COMPLETED", "FAILED", "MACHINE", "SUCCESS", "LAST USED")
			for i := range stats {
				s := &stats[i]
				t.AddRow(
					security.MaskPhone(s.Identity),
					humanize.Comma(int64(s.Calls)),
					humanize.Comma(int64(s.Completed)),
					humanize.Comma(int64(s.Failed)),
					humanize.Comma(int64(s.Machine)),
					fmt.Sprintf("%.0f%%", s.SuccessRate()*100),
					FormatOptionalTime(s.LastUsedAt),
				)
			}
			t.Render()
			return nil
		},
	}

	cmd.AddCommand(show, senders)
	return cmd
}

func riskCell(output *Output, score int) string {
	s := strconv.Itoa(score)
	switch {
	case score >= 50:
		return output.Red(s)
	case score > 0:
		return output.Yellow(s)
	}
	return s
}

func blockedCell(output *Output, e *models.UsageEntry) string {
	if e.BlockedUntil == nil || !e.BlockedUntil.After(time.Now()) {
		return "-"
	}
	return output.Red("until " + e.BlockedUntil.Local().Format("15:04") + " (" + e.BlockReason + ")")
}

func newDeliveriesCmd(app *App) *cobra.Command {
	var (
		userID  string
		alertID string
		status  string
		since   time.Duration
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Inspect delivery history",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List delivery log entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.DeliveryFilter{
				UserID:  userID,
				AlertID: alertID,
				Status:  models.DeliveryStatus(status),
				Limit:   limit,
			}
			if since > 0 {
				filter.Since = time.Now().UTC().Add(-since)
			}

			st, err := app.openStore()
			if err != nil {
				return err
			}
			logs, err := st.GetDeliveryLogs(cmd.Context(), filter)
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(logs)
			}
			if len(logs) == 0 {
				output.Dim("No deliveries")
				return nil
			}
			t := NewTable(output, "WHEN", "USER", "ALERT", "CHANNEL", "STATUS", "MESSAGE ID", "ERROR")
			for _, l := range logs {
				ch := string(l.Channel)
				if l.Fallback {
					ch += " (fallback)"
				}
				t.AddRow(FormatAge(l.CreatedAt), l.UserID, ShortID(l.AlertID), ch, output.Status(string(l.Status)), l.ProviderMessageID, Truncate(l.Error, 48))
			}
			t.Render()
			return nil
		},
	}
	list.Flags().StringVar(&userID, "user", "", "only deliveries to this user")
	list.Flags().StringVar(&alertID, "alert", "", "only deliveries for this alert")
	list.Flags().StringVar(&status, "status", "", "sent or failed")
	list.Flags().DurationVar(&since, "since", 0, "only deliveries within this duration, e.g. 24h")
	list.Flags().IntVar(&limit, "limit", 50, "maximum entries")

	cmd.AddCommand(list)
	return cmd
}
