package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldline/internal/app"
	"fieldline/internal/assist"
	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/engine/gate"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
	"fieldline/internal/server"
)

const tokenEnvKey = "FIELDLINE_TOKEN"

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fieldline CLI",
	Long: `Fieldline tracks construction-site field work: quality issues and material deliveries.
Core concepts:
- Workspace: the .fieldline directory holding the database, plus fieldline.yml for rosters and settings.
- Site: the construction site that owns all issues and deliveries.
- Issues: quality pendências that flow open -> in_progress -> waiting_approval -> done, or get rejected back to the field.
- Approval: finishing an issue needs engineering sign-off, unlocked with the shared secret (fl login).
- Deliveries: scheduled material arrivals that get exactly one receipt: arrived, checked, or problem.
- Problem receipts: propose a pre-filled nonconformity issue; creating and linking it stays an explicit step.
- Event log: diary of changes, view with 'fl events'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FIELDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("site", "", "site id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("site", rootCmd.PersistentFlags().Lookup("site"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(deliveryCmd())
	rootCmd.AddCommand(describeCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a site workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--site-id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote default config to %s\n", cfgPath)
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if name == "" {
				name = cfg.Site.Name
			}
			s, err := e.InitSite(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(s)
		},
	}
	cmd.Flags().StringVar(&id, "site-id", "", "site id")
	cmd.Flags().StringVar(&name, "name", "", "site name")
	_ = cmd.MarkFlagRequired("site-id")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show site status",
		Long:  "The site scoreboard: issue counts per status, pending approvals, and overdue issues.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				siteID := e.Config.Site.ID
				s, err := e.Repo.GetSite(ctx, siteID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountIssuesByStatus(ctx, siteID)
				if err != nil {
					return err
				}
				issues, err := e.Repo.ListIssues(ctx, repo.IssueFilters{SiteID: siteID})
				if err != nil {
					return err
				}
				day := todayOf(e)
				overdue := 0
				for _, iss := range issues {
					if engine.IsOverdue(iss, day) {
						overdue++
					}
				}
				pending := engine.PendingApprovalCount(issues)
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"site_id":          s.ID,
						"name":             s.Name,
						"issue_counts":     counts,
						"pending_approval": pending,
						"overdue_issues":   overdue,
					})
				}
				fmt.Printf("Site: %s (%s)\n", s.ID, s.Name)
				fmt.Println("Issues:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status.Label(), c)
				}
				if pending > 0 {
					color.Yellow("Pending approval: %d", pending)
				} else {
					fmt.Println("Pending approval: 0")
				}
				if overdue > 0 {
					color.Red("Overdue: %d", overdue)
				} else {
					fmt.Println("Overdue: 0")
				}
				return nil
			})
		},
	}
	return cmd
}

func issueCmd() *cobra.Command {
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Manage quality issues",
		Long:  "Issues are the site's quality pendências. They flow open -> in_progress -> waiting_approval -> done; engineering can reject back to the field. Done is terminal.",
	}
	issue.AddCommand(issueCreateCmd())
	issue.AddCommand(issueListCmd())
	issue.AddCommand(issueShowCmd())
	issue.AddCommand(issueEditCmd())
	issue.AddCommand(issueStartCmd())
	issue.AddCommand(issueSubmitCmd())
	issue.AddCommand(issueApproveCmd())
	issue.AddCommand(issueRejectCmd())
	return issue
}

func issueCreateCmd() *cobra.Command {
	var opts engine.IssueCreateOptions
	var priority string
	var photos []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Priority = domain.Priority(priority)
			opts.Photos = photos
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.SiteID == "" {
					opts.SiteID = e.Config.Site.ID
				}
				iss, err := e.CreateIssue(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(iss)
			})
		},
	}
	cmd.Flags().StringVar(&opts.SiteID, "site", "", "site id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high; default medium)")
	cmd.Flags().StringVar(&opts.Location, "location", "", "location on site")
	cmd.Flags().StringVar(&opts.RequestedBy, "requested-by", "", "requester (must be on the requester roster)")
	cmd.Flags().StringVar(&opts.Assignee, "assignee", "", "assignee")
	cmd.Flags().StringVar(&opts.Deadline, "deadline", "", "deadline (YYYY-MM-DD)")
	cmd.Flags().StringArrayVar(&photos, "photo", []string{}, "photo reference (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("location")
	_ = cmd.MarkFlagRequired("requested-by")
	_ = cmd.MarkFlagRequired("assignee")
	_ = cmd.MarkFlagRequired("deadline")
	return cmd
}

func issueListCmd() *cobra.Command {
	var tab, query string
	var f engine.IssueListFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues, ranked by priority then deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issues, err := e.Repo.ListIssues(ctx, repo.IssueFilters{SiteID: e.Config.Site.ID})
				if err != nil {
					return err
				}
				filtered := engine.FilterIssues(issues, tab, f, query)
				if viper.GetBool("json") {
					return printJSON(filtered)
				}
				if n := engine.ActiveIssueFilterCount(f); n > 0 {
					fmt.Printf("Active filters: %d\n", n)
				}
				day := todayOf(e)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Priority", "Status", "Assignee", "Deadline"})
				for _, iss := range filtered {
					deadline := iss.Deadline
					if engine.IsOverdue(iss, day) {
						deadline = color.RedString("%s (atrasada)", iss.Deadline)
					}
					tw.AppendRow(table.Row{
						shortID(iss.ID), iss.Title, priorityCell(iss.Priority), statusCell(iss.Status), iss.Assignee, deadline,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tab, "tab", engine.TabActive, "tab (active, history)")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (all for none)")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter (all for none)")
	cmd.Flags().StringVar(&f.Assignee, "assignee", "", "assignee filter (all for none)")
	cmd.Flags().StringVar(&f.DeadlineUntil, "deadline-until", "", "inclusive deadline upper bound (YYYY-MM-DD)")
	cmd.Flags().StringVar(&query, "query", "", "free text search")
	return cmd
}

func issueShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				iss, err := e.Repo.GetIssue(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(iss)
			})
		},
	}
	return cmd
}

func issueEditCmd() *cobra.Command {
	var title, description, priority, location, assignee, deadline string
	var photos []string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit an open or rejected issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.IssueUpdateOptions{
				ID:      args[0],
				ActorID: viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("priority") {
				p := domain.Priority(priority)
				opts.Priority = &p
			}
			if cmd.Flags().Changed("location") {
				opts.Location = &location
			}
			if cmd.Flags().Changed("assignee") {
				opts.Assignee = &assignee
			}
			if cmd.Flags().Changed("deadline") {
				opts.Deadline = &deadline
			}
			if cmd.Flags().Changed("photo") {
				opts.Photos = photos
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				iss, err := e.UpdateIssue(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(iss)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high)")
	cmd.Flags().StringVar(&location, "location", "", "location on site")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (YYYY-MM-DD)")
	cmd.Flags().StringArrayVar(&photos, "photo", []string{}, "photo reference (replaces the set)")
	return cmd
}

func issueStartCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start (or restart) resolution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				iss, err := e.StartResolution(ctx, id, assignee, viper.GetString("actor-id"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(iss)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "reassign while starting")
	return cmd
}

func issueSubmitCmd() *cobra.Command {
	var photos []string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit for engineering approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				iss, err := e.SubmitForApproval(ctx, id, photos, viper.GetString("actor-id"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(iss)
			})
		},
	}
	cmd.Flags().StringArrayVar(&photos, "photo", []string{}, "completion photo reference (repeatable, at least one)")
	return cmd
}

func issueApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a waiting issue (needs fl login)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ctx, err := engineeringContext(ctx, e)
				if err != nil {
					return err
				}
				iss, err := e.ApproveIssue(ctx, id, viper.GetString("actor-id"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(iss)
			})
		},
	}
	return cmd
}

func issueRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a waiting issue back to the field (needs fl login)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ctx, err := engineeringContext(ctx, e)
				if err != nil {
					return err
				}
				iss, err := e.RejectIssue(ctx, id, reason, viper.GetString("actor-id"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(iss)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason (blank records the placeholder)")
	return cmd
}

func approvalsCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List issues awaiting engineering sign-off",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issues, err := e.Repo.ListIssues(ctx, repo.IssueFilters{SiteID: e.Config.Site.ID})
				if err != nil {
					return err
				}
				queue := engine.ApprovalQueue(issues, query)
				if viper.GetBool("json") {
					return printJSON(queue)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Priority", "Assignee", "Location", "Deadline"})
				for _, iss := range queue {
					tw.AppendRow(table.Row{
						shortID(iss.ID), iss.Title, priorityCell(iss.Priority), iss.Assignee, iss.Location, iss.Deadline,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "search title, assignee, location")
	return cmd
}

func deliveryCmd() *cobra.Command {
	delivery := &cobra.Command{
		Use:   "delivery",
		Short: "Manage material deliveries",
		Long:  "Deliveries are scheduled material arrivals. Each gets exactly one receipt: arrived, checked (conferido e OK), or problem (não conformidade). A problem receipt proposes a nonconformity issue.",
	}
	delivery.AddCommand(deliveryScheduleCmd())
	delivery.AddCommand(deliveryListCmd())
	delivery.AddCommand(deliveryShowCmd())
	delivery.AddCommand(deliveryReceiveCmd())
	delivery.AddCommand(deliveryLinkCmd())
	return delivery
}

func deliveryScheduleCmd() *cobra.Command {
	var opts engine.DeliveryCreateOptions
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.SiteID == "" {
					opts.SiteID = e.Config.Site.ID
				}
				d, err := e.ScheduleDelivery(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.SiteID, "site", "", "site id")
	cmd.Flags().StringVar(&opts.Material, "material", "", "material")
	cmd.Flags().StringVar(&opts.Supplier, "supplier", "", "supplier")
	cmd.Flags().Float64Var(&opts.Quantity, "quantity", 0, "quantity")
	cmd.Flags().StringVar(&opts.Unit, "unit", "", "unit (m3, sacos, un, ...)")
	cmd.Flags().StringVar(&opts.ExpectedDate, "expected-date", "", "expected date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&opts.InvoiceNumber, "invoice", "", "invoice number (optional)")
	_ = cmd.MarkFlagRequired("material")
	_ = cmd.MarkFlagRequired("supplier")
	_ = cmd.MarkFlagRequired("quantity")
	_ = cmd.MarkFlagRequired("unit")
	_ = cmd.MarkFlagRequired("expected-date")
	return cmd
}

func deliveryListCmd() *cobra.Command {
	var query string
	var f engine.DeliveryListFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deliveries by expected date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				deliveries, err := e.Repo.ListDeliveries(ctx, repo.DeliveryFilters{SiteID: e.Config.Site.ID})
				if err != nil {
					return err
				}
				filtered := engine.FilterDeliveries(deliveries, f, query)
				if viper.GetBool("json") {
					return printJSON(filtered)
				}
				if n := engine.ActiveDeliveryFilterCount(f); n > 0 {
					fmt.Printf("Active filters: %d\n", n)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Material", "Supplier", "Qty", "Expected", "Status", "Invoice"})
				for _, d := range filtered {
					tw.AppendRow(table.Row{
						shortID(d.ID), d.Material, d.Supplier,
						fmt.Sprintf("%g %s", d.Quantity, d.Unit),
						d.ExpectedDate, deliveryStatusCell(d.Status), d.InvoiceNumber,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (all for none)")
	cmd.Flags().StringVar(&f.Date, "date", "", "expected date filter (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.Material, "material", "", "material substring filter")
	cmd.Flags().StringVar(&f.Invoice, "invoice", "", "invoice substring filter")
	cmd.Flags().StringVar(&query, "query", "", "search material, supplier, invoice")
	return cmd
}

func deliveryShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDelivery(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func deliveryReceiveCmd() *cobra.Command {
	var outcome, receiver, signature, notes string
	var photos []string
	var createIssue bool
	var issueAssignee string
	cmd := &cobra.Command{
		Use:   "receive <id>",
		Short: "Record the receipt of a scheduled delivery",
		Long:  "Records the single receipt a delivery gets. A problem outcome prints the proposed nonconformity issue; pass --create-issue to persist and link it in one go.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ReceiveOptions{
				ID:            args[0],
				Outcome:       domain.DeliveryStatus(outcome),
				ReceiverName:  receiver,
				ReceiptPhotos: photos,
				Notes:         notes,
				ActorID:       viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("signature") {
				opts.Signature = &signature
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, draft, err := e.ReceiveDelivery(ctx, opts)
				if err != nil {
					return err
				}
				if draft == nil {
					return printJSONOrTable(d)
				}
				if createIssue {
					if issueAssignee == "" {
						return fmt.Errorf("--issue-assignee required with --create-issue")
					}
					iss, err := e.CreateIssueFromDraft(ctx, d.SiteID, *draft, issueAssignee, opts.ActorID)
					if err != nil {
						return err
					}
					d, err = e.LinkDeliveryIssue(ctx, d.ID, iss.ID, opts.ActorID)
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]any{"delivery": d, "issue": iss})
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"delivery": d, "issue_draft": draft})
				}
				color.Red("Recebimento com não conformidade.")
				fmt.Println("Proposed issue (not created):")
				b, _ := json.MarshalIndent(draft, "", "  ")
				fmt.Println(string(b))
				fmt.Println("Create it with 'fl issue create' and link with 'fl delivery link'.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "receipt outcome (arrived, checked, problem)")
	cmd.Flags().StringVar(&receiver, "receiver", "", "receiver name (must be on the receiver roster)")
	cmd.Flags().StringVar(&signature, "signature", "", "receiver signature reference")
	cmd.Flags().StringArrayVar(&photos, "photo", []string{}, "receipt photo reference (repeatable)")
	cmd.Flags().StringVar(&notes, "notes", "", "receipt notes")
	cmd.Flags().BoolVar(&createIssue, "create-issue", false, "on a problem outcome, create and link the issue")
	cmd.Flags().StringVar(&issueAssignee, "issue-assignee", "", "assignee for the created issue")
	_ = cmd.MarkFlagRequired("outcome")
	_ = cmd.MarkFlagRequired("receiver")
	return cmd
}

func deliveryLinkCmd() *cobra.Command {
	var issueID string
	cmd := &cobra.Command{
		Use:   "link <id>",
		Short: "Link a delivery to the issue its receipt spawned",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.LinkDeliveryIssue(ctx, id, issueID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&issueID, "issue", "", "issue id")
	_ = cmd.MarkFlagRequired("issue")
	return cmd
}

func describeCmd() *cobra.Command {
	var title, location, priority string
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Draft an issue description with the assistant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				client := assist.New(e.Config.Assist.BaseURL, e.Config.Assist.Model, os.Getenv("FIELDLINE_ASSIST_API_KEY"))
				text := assist.SafeDescribe(ctx, client, assist.Request{
					Title:    title,
					Location: location,
					Priority: domain.Priority(priority),
				})
				if viper.GetBool("json") {
					return printJSON(map[string]string{"description": text})
				}
				fmt.Println(text)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "issue title")
	cmd.Flags().StringVar(&location, "location", "", "location on site")
	cmd.Flags().StringVar(&priority, "priority", "medium", "priority (low, medium, high)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func loginCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Unlock the engineering workflow",
		Long:  "Checks the shared engineering secret and stores a session token in the workspace .env. Retries are unlimited.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				fmt.Print("Senha de engenharia: ")
				reader := bufio.NewReader(os.Stdin)
				line, err := reader.ReadString('\n')
				if err != nil {
					return err
				}
				password = strings.TrimSpace(line)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g := gate.Gate{Secret: e.Config.Engineering.Secret}
				if err := g.Authenticate(password); err != nil {
					return err
				}
				actorID := viper.GetString("actor-id")
				now := time.Now()
				session := domain.GateSession{
					ID:       uuid.NewString(),
					ActorID:  actorID,
					IssuedAt: now.UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertGateSession(ctx, nil, session); err != nil {
					return err
				}
				token, err := server.SignEngineeringToken(e.Config.Server.JWTSecret, actorID, session.ID, now)
				if err != nil {
					return err
				}
				workspace := viper.GetString("workspace")
				if err := setEnvValue(filepath.Join(workspace, ".env"), tokenEnvKey, token); err != nil {
					return err
				}
				color.Green("Engineering unlocked. Token stored in %s/.env", workspace)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "engineering secret (prompted when omitted)")
	return cmd
}

func logoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Revoke the engineering session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				workspace := viper.GetString("workspace")
				envPath := filepath.Join(workspace, ".env")
				token := readEnvValue(envPath, tokenEnvKey)
				if token == "" {
					fmt.Println("No engineering session.")
					return nil
				}
				p, err := server.VerifyToken(token, e.Config.Server.JWTSecret)
				if err == nil && p.SessionID != "" {
					now := time.Now().UTC().Format(time.RFC3339)
					if err := e.Repo.RevokeGateSession(ctx, p.SessionID, now); err != nil && !errors.Is(err, repo.ErrNotFound) {
						return err
					}
				}
				if err := setEnvValue(envPath, tokenEnvKey, ""); err != nil {
					return err
				}
				fmt.Println("Engineering session closed.")
				return nil
			})
		},
	}
	return cmd
}

func eventsCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the site event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Site.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook in fieldline.yml: site identity, requester and receiver rosters, the engineering secret, and receiving defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveSiteAndConfig(cmd.Context(), workspace, viper.GetString("site"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			jwtSecret := os.Getenv("FIELDLINE_JWT_SECRET")
			if jwtSecret == "" {
				jwtSecret = cfg.Server.JWTSecret
			}
			if jwtSecret == "" {
				return fmt.Errorf("jwt secret required: set FIELDLINE_JWT_SECRET or server.jwt_secret")
			}
			allowActorHeader := true
			if cfg.Server.AllowActorHeader != nil {
				allowActorHeader = *cfg.Server.AllowActorHeader
			}
			authCfg := server.AuthConfig{
				JWTSecret:        jwtSecret,
				Gate:             gate.Gate{Secret: cfg.Engineering.Secret},
				AllowActorHeader: allowActorHeader,
			}
			generator := assist.New(cfg.Assist.BaseURL, cfg.Assist.Model, os.Getenv("FIELDLINE_ASSIST_API_KEY"))
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Assist: generator})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Fieldline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveSiteAndConfig(ctx, workspace, viper.GetString("site"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

// engineeringContext validates the stored session token and stamps the
// engineering capability onto the context.
func engineeringContext(ctx context.Context, e engine.Engine) (context.Context, error) {
	workspace := viper.GetString("workspace")
	token := os.Getenv(tokenEnvKey)
	if token == "" {
		token = readEnvValue(filepath.Join(workspace, ".env"), tokenEnvKey)
	}
	if token == "" {
		return ctx, fmt.Errorf("engineering login required: run fl login")
	}
	p, err := server.VerifyToken(token, e.Config.Server.JWTSecret)
	if err != nil {
		return ctx, fmt.Errorf("stored engineering token is invalid: run fl login")
	}
	if !p.HasRole(server.EngineeringRole) {
		return ctx, gate.ForbiddenError{}
	}
	if p.SessionID != "" {
		session, err := e.Repo.GetGateSession(ctx, p.SessionID)
		if err != nil || session.RevokedAt != "" {
			return ctx, fmt.Errorf("engineering session revoked: run fl login")
		}
	}
	return gate.WithEngineering(ctx), nil
}

func todayOf(e engine.Engine) string {
	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	return now.UTC().Format("2006-01-02")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func priorityCell(p domain.Priority) string {
	switch p {
	case domain.PriorityHigh:
		return color.RedString(p.Label())
	case domain.PriorityMedium:
		return color.YellowString(p.Label())
	default:
		return p.Label()
	}
}

func statusCell(s domain.IssueStatus) string {
	switch s {
	case domain.IssueDone:
		return color.GreenString(s.Label())
	case domain.IssueRejected:
		return color.RedString(s.Label())
	case domain.IssueWaiting:
		return color.YellowString(s.Label())
	default:
		return s.Label()
	}
}

func deliveryStatusCell(s domain.DeliveryStatus) string {
	switch s {
	case domain.DeliveryChecked:
		return color.GreenString(s.Label())
	case domain.DeliveryProblem:
		return color.RedString(s.Label())
	default:
		return s.Label()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func readEnvValue(path, key string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, key+"=") {
			return strings.TrimPrefix(line, key+"=")
		}
	}
	return ""
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
