package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Harvey-AU/report-scheduler/internal/api"
	"github.com/Harvey-AU/report-scheduler/internal/db"
)

// Config keys. Each can come from a flag, REPORTCTL_<KEY> or ~/.reportctl.yaml.
const (
	keyAPIURL        = "api_url"
	keyToken         = "token"
	keyWebhookSecret = "webhook_secret"
	keyOutput        = "output"
)

// NewRootCommand builds the reportctl command tree. Output goes to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "reportctl",
		Short:         "Operate scheduled analytics reports",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(v, cmd)
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default $HOME/.reportctl.yaml)")
	flags.String("api-url", "http://localhost:8080", "scheduler API base URL")
	flags.String("token", "", "bearer token for the API")
	flags.StringP("output", "o", "table", "output format: table or json")
	_ = v.BindPFlag(keyAPIURL, flags.Lookup("api-url"))
	_ = v.BindPFlag(keyToken, flags.Lookup("token"))
	_ = v.BindPFlag(keyOutput, flags.Lookup("output"))

	root.AddCommand(
		newSchedulesCommand(v),
		newExecutionsCommand(v),
		newProvisionCommand(v),
	)

	return root
}

func loadConfig(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix("REPORTCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigName(".reportctl")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	switch v.GetString(keyOutput) {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("unknown output format %q", v.GetString(keyOutput))
	}
}

func clientFor(v *viper.Viper) *Client {
	return NewClient(v.GetString(keyAPIURL), v.GetString(keyToken))
}

func newSchedulesCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedules",
		Short:   "List and operate schedules",
		Aliases: []string{"schedule", "s"},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:     "list",
			Short:   "List the tenant's schedules",
			Aliases: []string{"ls"},
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				schedules, err := clientFor(v).ListSchedules(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to list schedules: %w", err)
				}
				return render(cmd.OutOrStdout(), v, schedules, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "ID\tKIND\tCRON\tSTATUS\tFAILURES\tNEXT RUN")
					for _, s := range schedules {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
							s.ID, s.ReportKind, s.CronPattern, displayStatus(s), s.ConsecutiveFailures, s.NextRunAt)
					}
				})
			},
		},
		&cobra.Command{
			Use:   "get [schedule_id]",
			Short: "Show one schedule",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := clientFor(v).GetSchedule(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("failed to get schedule: %w", err)
				}
				return renderSchedule(cmd.OutOrStdout(), v, s)
			},
		},
		&cobra.Command{
			Use:   "retry [schedule_id]",
			Short: "Re-run the latest failed execution now",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				result, err := clientFor(v).Retry(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("failed to retry schedule: %w", err)
				}
				return render(cmd.OutOrStdout(), v, result, func(w *tabwriter.Writer) {
					fmt.Fprintf(w, "Retry started for %s (attempt %d, execution %s)\n",
						result.ScheduleID, result.AttemptNumber, result.ExecutionAttemptID)
				})
			},
		},
		newPauseCommand(v),
		newReportsCommand(v),
		&cobra.Command{
			Use:   "resume [schedule_id]",
			Short: "Resume a paused schedule",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := clientFor(v).Resume(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("failed to resume schedule: %w", err)
				}
				return renderSchedule(cmd.OutOrStdout(), v, s)
			},
		},
	)

	return cmd
}

func newPauseCommand(v *viper.Viper) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "pause [schedule_id]",
		Short: "Pause a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := clientFor(v).Pause(cmd.Context(), args[0], reason)
			if err != nil {
				return fmt.Errorf("failed to pause schedule: %w", err)
			}
			return renderSchedule(cmd.OutOrStdout(), v, s)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the schedule is paused")

	return cmd
}

func newReportsCommand(v *viper.Viper) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "reports [schedule_id]",
		Short: "List archived report deliveries with download links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reports, err := clientFor(v).ListReports(cmd.Context(), args[0], limit)
			if err != nil {
				return fmt.Errorf("failed to list reports: %w", err)
			}
			return render(cmd.OutOrStdout(), v, reports, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "EXECUTED AT	ID	PDF	HTML")
				for _, r := range reports {
					pdf := r.PDFURL
					if pdf == "" {
						pdf = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ExecutionTimestamp, r.ID, pdf, r.HTMLURL)
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of deliveries (max 100)")

	return cmd
}

func newExecutionsCommand(v *viper.Viper) *cobra.Command {
	var query ExecutionQuery

	cmd := &cobra.Command{
		Use:     "executions",
		Short:   "List failed executions, newest first",
		Aliases: []string{"failures"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := clientFor(v).ListFailedExecutions(cmd.Context(), query)
			if err != nil {
				return fmt.Errorf("failed to list executions: %w", err)
			}
			return render(cmd.OutOrStdout(), v, page, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "FAILED AT\tSCHEDULE\tATTEMPT\tCODE\tRETRY\tMESSAGE")
				for _, e := range page.Executions {
					retry := "-"
					if e.CanRetry && e.RetryAfter != nil {
						retry = *e.RetryAfter
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
						e.FailedAt, e.ScheduleID, e.AttemptNumber, e.ErrorCode, retry, e.ErrorMessage)
				}
				p := page.Pagination
				fmt.Fprintf(w, "\nShowing %d of %d (offset %d)\n", len(page.Executions), p.Total, p.Offset)
			})
		},
	}

	cmd.Flags().StringVar(&query.ScheduleID, "schedule-id", "", "only this schedule")
	cmd.Flags().IntVar(&query.Limit, "limit", 20, "page size (max 100)")
	cmd.Flags().IntVar(&query.Offset, "offset", 0, "rows to skip")

	return cmd
}

func newProvisionCommand(v *viper.Viper) *cobra.Command {
	var (
		req      api.FulfillmentRequest
		branding db.BrandingConfig
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create a schedule through the signed fulfilment webhook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := v.GetString(keyWebhookSecret)
			if secret == "" {
				return errors.New("webhook secret is required (--webhook-secret or REPORTCTL_WEBHOOK_SECRET)")
			}

			if branding != (db.BrandingConfig{}) {
				b := branding
				req.Branding = &b
			}
			if problems := req.Validate(); len(problems) > 0 {
				return fmt.Errorf("invalid schedule:\n  - %s", strings.Join(problems, "\n  - "))
			}

			s, err := clientFor(v).Provision(cmd.Context(), req, secret)
			if err != nil {
				return fmt.Errorf("failed to provision schedule: %w", err)
			}
			return renderSchedule(cmd.OutOrStdout(), v, s)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.OwnerUserID, "owner", "", "owner user id")
	flags.StringVar(&req.TenantID, "tenant", "", "tenant id")
	flags.StringVar(&req.AnalyticsPropertyID, "property", "", "analytics property id, e.g. properties/123")
	flags.StringVar(&req.ReportKind, "kind", string(db.ReportKindWeeklySummary), "weekly_summary, monthly_report or quarterly_review")
	flags.StringVar(&req.CronPattern, "cron", "0 9 * * 1", "five-field cron pattern, UTC")
	flags.StringSliceVar(&req.RecipientEmails, "recipient", nil, "recipient address (repeatable)")
	flags.StringVar(&branding.CompanyName, "company", "", "company name for the report header")
	flags.StringVar(&branding.LogoURL, "logo-url", "", "logo URL for the report header")
	flags.StringVar(&branding.PrimaryColor, "primary-color", "", "accent colour, e.g. #004488")
	flags.StringVar(&branding.FooterText, "footer", "", "footer text")
	flags.String("webhook-secret", "", "shared secret used to sign the request")
	_ = v.BindPFlag(keyWebhookSecret, flags.Lookup("webhook-secret"))

	return cmd
}

func displayStatus(s api.ScheduleResponse) string {
	if s.IsPaused && s.PauseReason != "" {
		return fmt.Sprintf("%s (%s)", s.Status, s.PauseReason)
	}
	return s.Status
}

func renderSchedule(out io.Writer, v *viper.Viper, s *api.ScheduleResponse) error {
	return render(out, v, s, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "ID:\t%s\n", s.ID)
		fmt.Fprintf(w, "Kind:\t%s\n", s.ReportKind)
		fmt.Fprintf(w, "Property:\t%s\n", s.AnalyticsPropertyID)
		fmt.Fprintf(w, "Cron:\t%s\n", s.CronPattern)
		fmt.Fprintf(w, "Recipients:\t%s\n", strings.Join(s.RecipientEmails, ", "))
		fmt.Fprintf(w, "Status:\t%s\n", displayStatus(*s))
		fmt.Fprintf(w, "Failures:\t%d\n", s.ConsecutiveFailures)
		if s.LastRunAt != nil {
			fmt.Fprintf(w, "Last run:\t%s\n", *s.LastRunAt)
		}
		fmt.Fprintf(w, "Next run:\t%s\n", s.NextRunAt)
	})
}

// render writes value as indented JSON or runs table against a tabwriter
func render(out io.Writer, v *viper.Viper, value any, table func(w *tabwriter.Writer)) error {
	if v.GetString(keyOutput) == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	table(w)
	return w.Flush()
}
