package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	apperrors "tickwatch/internal/errors"
	"tickwatch/internal/models"
	"tickwatch/internal/security"
	"tickwatch/internal/store"
)

func newAlertsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Manage price and social alerts",
		Long: `Create, list and deactivate alerts. A running monitor picks up changes on
its next reload.`,
	}

	cmd.AddCommand(newAlertsListCmd(app))
	cmd.AddCommand(newAddPriceAlertCmd(app))
	cmd.AddCommand(newAddSocialAlertCmd(app))
	cmd.AddCommand(newRemoveAlertCmd(app))
	return cmd
}

func newAlertsListCmd(app *App) *cobra.Command {
	var userID string
	var all bool
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			st, err := app.openStore()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			filter := store.AlertFilter{UserID: userID, ActiveOnly: !all, Limit: limit}
			prices, err := st.ListPriceAlerts(ctx, filter)
			if err != nil {
				return err
			}
			social, err := st.ListSocialAlerts(ctx, filter)
			if err != nil {
				return err
			}
			groups, err := st.ListConditionGroups(ctx, filter)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"price":  prices,
					"social": social,
					"groups": groups,
				})
			}

			if len(prices)+len(social)+len(groups) == 0 {
				output.Dim("No alerts")
				return nil
			}

			if len(prices) > 0 {
				output.Bold("Price alerts")
				t := NewTable(output, "ID", "USER", "SYMBOL", "CONDITION", "MODE", "STATUS", "CREATED")
				for i := range prices {
					a := &prices[i]
					t.AddRow(ShortID(a.ID), a.UserID, a.Symbol, DescribePriceAlert(a), mode(a.Recurring), output.Active(a.Active), FormatAge(a.CreatedAt))
				}
				t.Render()
				output.Println()
			}
			if len(groups) > 0 {
				output.Bold("Condition groups")
				t := NewTable(output, "ID", "USER", "NAME", "LOGIC", "ASSETS", "STATUS", "CREATED")
				for _, g := range groups {
					symbols := make([]string, 0, len(g.Assets))
					for _, a := range g.Assets {
						symbols = append(symbols, a.Symbol)
					}
					t.AddRow(ShortID(g.ID), g.UserID, Truncate(g.Name, 24), string(g.LogicOperator), strings.Join(symbols, ","), output.Active(g.Active), FormatAge(g.CreatedAt))
				}
				t.Render()
				output.Println()
			}
			if len(social) > 0 {
				output.Bold("Social alerts")
				t := NewTable(output, "ID", "USER", "ACCOUNT", "KEYWORDS", "MODE", "STATUS", "CREATED")
				for _, a := range social {
					t.AddRow(ShortID(a.ID), a.UserID, a.Account, Truncate(JoinKeywords(a.Keywords), 40), mode(a.Recurring), output.Active(a.Active), FormatAge(a.CreatedAt))
				}
				t.Render()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "only alerts of this user")
	cmd.Flags().BoolVar(&all, "all", false, "include inactive alerts")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum alerts per kind (0 = no limit)")
	return cmd
}

func mode(recurring bool) string {
	if recurring {
		return "recurring"
	}
	return "once"
}

func newAddPriceAlertCmd(app *App) *cobra.Command {
	var (
		userID    string
		symbol    string
		condition string
		target    float64
		target2   float64
		change    float64
		recurring bool
	)

	cmd := &cobra.Command{
		Use:   "add-price",
		Short: "Create a price alert",
		Example: `  tickwatch alerts add-price --user alice --symbol BTC --condition above --target 50000
  tickwatch alerts add-price --user alice --symbol ETH --condition between --target 2000 --target2 2500
  tickwatch alerts add-price --user alice --symbol SOL --condition change --change 5 --recurring`,
		RunE: func(cmd *cobra.Command, args []string) error {
			alert := &models.PriceAlert{
				ID:          uuid.New().String(),
				UserID:      strings.TrimSpace(userID),
				Symbol:      security.NormalizeSymbol(symbol),
				Condition:   models.Condition(strings.ToLower(condition)),
				TargetPrice: target,
				Active:      true,
				Recurring:   recurring,
				CreatedAt:   time.Now().UTC(),
			}
			if cmd.Flags().Changed("target2") {
				alert.TargetPrice2 = models.Float64Ptr(target2)
			}
			if cmd.Flags().Changed("change") {
				alert.PercentageChange = models.Float64Ptr(change)
			}
			if err := validatePriceAlert(alert); err != nil {
				return err
			}

			st, err := app.openStore()
			if err != nil {
				return err
			}
			if err := st.SavePriceAlert(cmd.Context(), alert); err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(alert)
			}
			output.Success("✓ Price alert %s: %s %s", ShortID(alert.ID), alert.Symbol, DescribePriceAlert(alert))
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "owner of the alert")
	cmd.Flags().StringVar(&symbol, "symbol", "", "asset symbol, e.g. BTC")
	cmd.Flags().StringVar(&condition, "condition", "above", "above, below, between or change")
	cmd.Flags().Float64Var(&target, "target", 0, "target price")
	cmd.Flags().Float64Var(&target2, "target2", 0, "upper bound for between")
	cmd.Flags().Float64Var(&change, "change", 0, "percentage threshold for change")
	cmd.Flags().BoolVar(&recurring, "recurring", false, "keep the alert active after it triggers")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("symbol")
	return cmd
}

// validatePriceAlert checks a new alert before it is stored.
func validatePriceAlert(a *models.PriceAlert) error {
	if a.UserID == "" {
		return apperrors.NewValidationError("user", a.UserID, "user is required")
	}
	if err := security.ValidateSymbol(a.Symbol); err != nil {
		return err
	}
	if !a.Condition.Valid() {
		return apperrors.NewValidationError("condition", a.Condition, "must be above, below, between or change")
	}
	switch a.Condition {
	case models.ConditionAbove, models.ConditionBelow:
		if a.TargetPrice <= 0 {
			return apperrors.NewValidationError("target", a.TargetPrice, "must be positive")
		}
	case models.ConditionBetween:
		if a.TargetPrice <= 0 || a.TargetPrice2 == nil || *a.TargetPrice2 <= 0 {
			return apperrors.NewValidationError("target2", a.TargetPrice2, "between needs two positive bounds")
		}
	case models.ConditionChange:
		if a.ChangeThreshold() == 0 {
			return apperrors.NewValidationError("change", a.PercentageChange, "change needs a non-zero percentage")
		}
	}
	return nil
}

func newAddSocialAlertCmd(app *App) *cobra.Command {
	var (
		userID    string
		account   string
		keywords  []string
		recurring bool
	)

	cmd := &cobra.Command{
		Use:     "add-social",
		Short:   "Create a social keyword alert",
		Example: `  tickwatch alerts add-social --user alice --account elonmusk --keywords doge,bitcoin --recurring`,
		RunE: func(cmd *cobra.Command, args []string) error {
			alert := &models.SocialAlert{
				ID:        uuid.New().String(),
				UserID:    strings.TrimSpace(userID),
				Account:   strings.ToLower(strings.TrimSpace(account)),
				Active:    true,
				Recurring: recurring,
				CreatedAt: time.Now().UTC(),
			}
			for _, k := range keywords {
				k = strings.ToLower(strings.TrimSpace(k))
				if k == "" {
					continue
				}
				if err := security.ValidateKeyword(k); err != nil {
					return err
				}
				alert.Keywords = append(alert.Keywords, k)
			}
			if alert.UserID == "" {
				return apperrors.NewValidationError("user", userID, "user is required")
			}
			if err := security.ValidateAccount(alert.Account); err != nil {
				return err
			}
			if len(alert.Keywords) == 0 {
				return apperrors.NewValidationError("keywords", keywords, "at least one keyword is required")
			}

			st, err := app.openStore()
			if err != nil {
				return err
			}
			if err := st.SaveSocialAlert(cmd.Context(), alert); err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(alert)
			}
			output.Success("✓ Social alert %s: @%s [%s]", ShortID(alert.ID), alert.Account, JoinKeywords(alert.Keywords))
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "owner of the alert")
	cmd.Flags().StringVar(&account, "account", "", "watched account")
	cmd.Flags().StringSliceVar(&keywords, "keywords", nil, "comma-separated keywords")
	cmd.Flags().BoolVar(&recurring, "recurring", false, "keep the alert active after it triggers")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newRemoveAlertCmd(app *App) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Deactivate an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.openStore()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			id := args[0]
			switch kind {
			case "price":
				err = st.DeactivatePriceAlert(ctx, id)
			case "social":
				err = st.DeactivateSocialAlert(ctx, id)
			case "group":
				err = st.DeactivateConditionGroup(ctx, id)
			default:
				return apperrors.NewValidationError("kind", kind, "must be price, social or group")
			}
			if err != nil {
				return fmt.Errorf("deactivating %s alert: %w", kind, err)
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{"id": id, "kind": kind, "status": "inactive"})
			}
			output.Success("✓ Deactivated %s alert %s", kind, id)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "price", "price, social or group")
	return cmd
}
