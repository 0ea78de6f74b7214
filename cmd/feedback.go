package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/backofhouse/opsloop/internal/feedback"
	"github.com/backofhouse/opsloop/internal/model"
	"github.com/backofhouse/opsloop/internal/store"
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Generate and manage feedback objects",
	Long:  "Commands for turning a day's signals into owned feedback objects and walking them through their lifecycle.",
}

// -- feedback generate --

var feedbackGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate feedback objects from a day's signals",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("generate"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		gen, err := buildGenerator(st)
		if err != nil {
			return err
		}

		org, _ := cmd.Flags().GetString("org")
		date, _ := cmd.Flags().GetString("date")
		venues, _ := cmd.Flags().GetStringSlice("venues")
		domains, _ := cmd.Flags().GetStringSlice("domains")

		if org == "" {
			return eris.New("--org is required")
		}
		if date == "" {
			date = time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
		}
		if len(venues) == 0 {
			return eris.New("--venues is required")
		}

		created, err := generateAcrossVenues(ctx, gen, org, date, venues, domains, cfg.Generator.MaxConcurrentVenues)
		if err != nil {
			return eris.Wrap(err, "feedback generate")
		}

		zap.L().Info("feedback generation complete",
			zap.String("org", org),
			zap.String("date", date),
			zap.Int("venues", len(venues)),
			zap.Int("created", len(created)),
		)
		for _, fo := range created {
			fmt.Printf("%s\t%s\t%s\n", truncateID(fo.ID), fo.Severity, fo.Title)
		}
		return nil
	},
}

// generateAcrossVenues fans out per-venue generation with a bounded
// worker count. One venue failing does not stop the others; the first
// error is returned after the group drains.
func generateAcrossVenues(ctx context.Context, gen *feedback.Generator, org, date string, venues, domains []string, maxConcurrent int) ([]model.FeedbackObject, error) {
	if len(domains) == 0 {
		domains = []string{"revenue", "labor", "procurement"}
	}

	var mu sync.Mutex
	var created []model.FeedbackObject

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for _, venue := range venues {
		g.Go(func() error {
			objs, err := generateForVenue(gctx, gen, org, venue, date, domains)
			if err != nil {
				return eris.Wrapf(err, "venue %s", venue)
			}
			mu.Lock()
			created = append(created, objs...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return created, err
	}
	return created, nil
}

func generateForVenue(ctx context.Context, gen *feedback.Generator, org, venue, date string, domains []string) ([]model.FeedbackObject, error) {
	var created []model.FeedbackObject
	for _, domain := range domains {
		var objs []model.FeedbackObject
		var err error
		switch domain {
		case "revenue":
			objs, err = gen.GenerateCompFeedback(ctx, org, venue, date)
		case "labor":
			objs, err = gen.GenerateLaborFeedback(ctx, org, venue, date)
		case "procurement":
			objs, err = gen.GenerateProcurementFeedback(ctx, org, venue, date)
		default:
			err = eris.Errorf("unknown domain %q", domain)
		}
		if err != nil {
			return created, err
		}
		created = append(created, objs...)
	}
	return created, nil
}

// -- feedback create --

var feedbackCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a feedback object by hand",
	Long:  "Creates a single feedback object outside the signal-driven generators, for ad-hoc directives a manager wants tracked through the same lifecycle.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("cli"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		gen, err := buildGenerator(st)
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		org, _ := flags.GetString("org")
		venue, _ := flags.GetString("venue")
		date, _ := flags.GetString("date")
		domain, _ := flags.GetString("domain")
		title, _ := flags.GetString("title")
		message, _ := flags.GetString("message")
		severity, _ := flags.GetString("severity")
		owner, _ := flags.GetString("owner")
		dueHours, _ := flags.GetInt("due-hours")

		if org == "" || title == "" {
			return eris.New("--org and --title are required")
		}
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}

		fo := model.FeedbackObject{
			OrgID:        org,
			VenueID:      venue,
			BusinessDate: date,
			Domain:       model.Domain(domain),
			Title:        title,
			Message:      message,
			Severity:     model.Severity(severity),
			OwnerRole:    model.OwnerRole(owner),
		}
		if dueHours > 0 {
			due := time.Now().UTC().Add(time.Duration(dueHours) * time.Hour)
			fo.DueAt = &due
		}

		created, err := gen.Create(ctx, fo, nil)
		if err != nil {
			return eris.Wrap(err, "feedback create")
		}
		fmt.Println(created.ID)
		return nil
	},
}

// -- feedback list --

var feedbackListCmd = &cobra.Command{
	Use:   "list",
	Short: "List feedback objects",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("cli"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		flags := cmd.Flags()
		org, _ := flags.GetString("org")
		venue, _ := flags.GetString("venue")
		date, _ := flags.GetString("date")
		status, _ := flags.GetString("status")
		owner, _ := flags.GetString("owner")
		limit, _ := flags.GetInt("limit")

		objs, err := st.ListFeedbackObjects(ctx, store.FeedbackFilter{
			OrgID:        org,
			VenueID:      venue,
			BusinessDate: date,
			Status:       model.Status(status),
			OwnerRole:    model.OwnerRole(owner),
			Limit:        limit,
		})
		if err != nil {
			return eris.Wrap(err, "feedback list")
		}

		if len(objs) == 0 {
			fmt.Fprintln(os.Stderr, "No feedback objects found.")
			return nil
		}

		formatFeedbackList(os.Stdout, objs)
		return nil
	},
}

// -- feedback show --

var feedbackShowCmd = &cobra.Command{
	Use:   "show <feedback-id>",
	Short: "Show full details of a feedback object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("cli"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		fo, err := st.GetFeedbackObject(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "feedback show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(fo)
	},
}

// -- feedback status --

var feedbackStatusCmd = &cobra.Command{
	Use:   "status <feedback-id>",
	Short: "Move a feedback object through its lifecycle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("cli"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		gen, err := buildGenerator(st)
		if err != nil {
			return err
		}

		to, _ := cmd.Flags().GetString("to")
		actor, _ := cmd.Flags().GetString("actor")
		summary, _ := cmd.Flags().GetString("summary")
		if to == "" {
			return eris.New("--to is required")
		}

		if err := gen.UpdateStatus(ctx, args[0], model.Status(to), actor, summary); err != nil {
			return eris.Wrap(err, "feedback status")
		}
		return nil
	},
}

// -- feedback resolve --

var feedbackResolveCmd = &cobra.Command{
	Use:   "resolve <feedback-id>",
	Short: "Resolve a feedback object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("cli"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		gen, err := buildGenerator(st)
		if err != nil {
			return err
		}

		actor, _ := cmd.Flags().GetString("actor")
		summary, _ := cmd.Flags().GetString("summary")
		if summary == "" {
			return eris.New("--summary is required")
		}

		if err := gen.UpdateStatus(ctx, args[0], model.StatusResolved, actor, summary); err != nil {
			return eris.Wrap(err, "feedback resolve")
		}
		return nil
	},
}

func formatFeedbackList(out io.Writer, objs []model.FeedbackObject) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tVENUE\tDATE\tSTATUS\tSEVERITY\tOWNER\tDUE\tTITLE")
	_, _ = fmt.Fprintln(w, "--\t-----\t----\t------\t--------\t-----\t---\t-----")

	for _, fo := range objs {
		due := ""
		if fo.DueAt != nil {
			due = fo.DueAt.Format("2006-01-02 15:04")
		}
		title := fo.Title
		if len(title) > 40 {
			title = title[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(fo.ID),
			fo.VenueID,
			fo.BusinessDate,
			fo.Status,
			fo.Severity,
			fo.OwnerRole,
			due,
			title,
		)
	}
	_ = w.Flush()
}

func init() {
	feedbackGenerateCmd.Flags().String("org", "", "org ID (required)")
	feedbackGenerateCmd.Flags().String("date", "", "business date (default: yesterday)")
	feedbackGenerateCmd.Flags().StringSlice("venues", nil, "venue IDs to generate for (required)")
	feedbackGenerateCmd.Flags().StringSlice("domains", nil, "domains to generate (default: revenue,labor,procurement)")

	feedbackCreateCmd.Flags().String("org", "", "org ID (required)")
	feedbackCreateCmd.Flags().String("venue", "", "venue ID")
	feedbackCreateCmd.Flags().String("date", "", "business date (default: today)")
	feedbackCreateCmd.Flags().String("domain", "revenue", "domain (revenue, labor, procurement)")
	feedbackCreateCmd.Flags().String("title", "", "short title (required)")
	feedbackCreateCmd.Flags().String("message", "", "what needs doing and why")
	feedbackCreateCmd.Flags().String("severity", "", "severity (default: warning)")
	feedbackCreateCmd.Flags().String("owner", "", "owner role (default: venue_manager)")
	feedbackCreateCmd.Flags().Int("due-hours", 0, "hours until due (0 = no deadline)")

	feedbackListCmd.Flags().String("org", "", "filter by org ID")
	feedbackListCmd.Flags().String("venue", "", "filter by venue ID")
	feedbackListCmd.Flags().String("date", "", "filter by business date")
	feedbackListCmd.Flags().String("status", "", "filter by status (open, acknowledged, in_progress, resolved, ...)")
	feedbackListCmd.Flags().String("owner", "", "filter by owner role")
	feedbackListCmd.Flags().Int("limit", 50, "max number of objects to display")

	feedbackStatusCmd.Flags().String("to", "", "target status (required)")
	feedbackStatusCmd.Flags().String("actor", "", "who is making the change")
	feedbackStatusCmd.Flags().String("summary", "", "resolution summary (for resolved)")

	feedbackResolveCmd.Flags().String("actor", "", "who resolved it")
	feedbackResolveCmd.Flags().String("summary", "", "what was done (required)")

	feedbackCmd.AddCommand(feedbackCreateCmd)
	feedbackCmd.AddCommand(feedbackGenerateCmd)
	feedbackCmd.AddCommand(feedbackListCmd)
	feedbackCmd.AddCommand(feedbackShowCmd)
	feedbackCmd.AddCommand(feedbackStatusCmd)
	feedbackCmd.AddCommand(feedbackResolveCmd)
	rootCmd.AddCommand(feedbackCmd)
}
