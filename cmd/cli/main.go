package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/referral-tracker/internal/app"
	"github.com/referral-tracker/internal/config"
	"github.com/referral-tracker/internal/models"
	"github.com/referral-tracker/internal/notify"
	"github.com/referral-tracker/internal/registry"
	"github.com/referral-tracker/internal/storage"
	"github.com/referral-tracker/internal/vault"
	"github.com/referral-tracker/pkg/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tracker",
		Short: "Referral tracker administration",
		Long: `Manage users and promoters, inspect history and the job queue, and
run one-off scrapes against the affiliate API.`,
		PersistentPreRunE: initializeApp,
		SilenceUsage:      true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/config.yaml)")

	// Add subcommands
	rootCmd.AddCommand(usersCmd())
	rootCmd.AddCommand(promotersCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(scrapeCmd())
	rootCmd.AddCommand(vaultCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initializeApp(cmd *cobra.Command, args []string) error {
	var err error

	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	return nil
}

// withApp wires the full component graph for the duration of fn
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	return fn(context.Background(), a)
}

// ============ USERS COMMANDS ============

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage promoter owners",
	}

	cmd.AddCommand(usersUpsertCmd())
	cmd.AddCommand(usersListCmd())
	cmd.AddCommand(usersDeleteCmd())
	return cmd
}

func usersUpsertCmd() *cobra.Command {
	var user models.User

	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a user from the identity provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user.ID == "" || user.Email == "" {
				return fmt.Errorf("--id and --email are required")
			}
			return withApp(func(ctx context.Context, a *app.App) error {
				if err := a.Repo.UpsertUser(ctx, &user); err != nil {
					return err
				}
				fmt.Printf("User %s saved (%s)\n", user.ID, user.Email)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&user.ID, "id", "", "Identity provider user id")
	cmd.Flags().StringVar(&user.Email, "email", "", "Notification address")
	cmd.Flags().StringVar(&user.FirstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&user.LastName, "last-name", "", "Last name")
	return cmd
}

func usersDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a user and every promoter they own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				if err := a.Registry.DeleteUser(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("User deleted")
				return nil
			})
		},
	}
}

func usersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				users, err := a.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}

				fmt.Printf("\n=== Users (%d) ===\n\n", len(users))
				for _, u := range users {
					fmt.Printf("%s | %s | %s %s\n", u.ID, u.Email, u.FirstName, u.LastName)
				}
				return nil
			})
		},
	}
}

// ============ PROMOTERS COMMANDS ============

func promotersCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "promoters",
		Short: "Manage a user's promoters",
	}
	cmd.PersistentFlags().StringVar(&userID, "user", "", "Owning user id")
	_ = cmd.MarkPersistentFlagRequired("user")

	cmd.AddCommand(promotersListCmd(&userID))
	cmd.AddCommand(promotersAddCmd(&userID))
	cmd.AddCommand(promotersShowCmd(&userID))
	cmd.AddCommand(promotersRunCmd(&userID))
	cmd.AddCommand(promotersDeleteCmd(&userID))
	cmd.AddCommand(promotersHistoryCmd(&userID))
	return cmd
}

func promotersListCmd(userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List promoters with their latest snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				views, err := a.Registry.List(ctx, *userID)
				if err != nil {
					return err
				}

				fmt.Printf("\n=== Promoters (%d) ===\n\n", len(views))
				for _, v := range views {
					printPromoter(v)
				}
				return nil
			})
		},
	}
}

func promotersAddCmd(userID *string) *cobra.Command {
	var in registry.CreateInput
	var disabled bool

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an affiliate account",
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled := !disabled
			in.Enabled = &enabled

			return withApp(func(ctx context.Context, a *app.App) error {
				p, err := a.Registry.Create(ctx, *userID, in)
				if err != nil {
					return err
				}
				fmt.Printf("Promoter %s created (%s)\n", p.ID, p.Trigger().Kind)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&in.Source, "source", "", "Affiliate dashboard URL")
	cmd.Flags().StringVar(&in.Email, "email", "", "Affiliate login email")
	cmd.Flags().StringVar(&in.Password, "password", "", "Affiliate login password")
	cmd.Flags().StringVar(&in.Schedule, "schedule", "", "Cron expression, @every descriptor or interval in seconds")
	cmd.Flags().BoolVar(&in.ManualRun, "manual", false, "Only run on demand")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create without polling")
	return cmd
}

func promotersShowCmd(userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show a promoter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				view, err := a.Registry.Get(ctx, *userID, args[0])
				if err != nil {
					return err
				}
				printPromoter(view)
				return nil
			})
		},
	}
}

func promotersRunCmd(userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run [id]",
		Short: "Queue a manual run, picked up by the server's workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				job, err := a.Registry.ManualRun(ctx, *userID, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Manual run added (job %s)\n", job.ID)
				return nil
			})
		},
	}
}

func promotersDeleteCmd(userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a promoter and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				if err := a.Registry.Delete(ctx, *userID, args[0]); err != nil {
					return err
				}
				fmt.Println("Promoter deleted")
				return nil
			})
		},
	}
}

func promotersHistoryCmd(userID *string) *cobra.Command {
	var page, pageSize int
	var sortKey, status string
	var asc bool

	cmd := &cobra.Command{
		Use:   "history [id]",
		Short: "Show a promoter's snapshot history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := storage.DefaultSnapshotFilter(args[0])
			filter.Page = page
			filter.PageSize = pageSize
			filter.OrderBy = sortKey
			filter.OrderDesc = !asc
			if status != "" {
				s := models.SnapshotStatus(strings.ToUpper(status))
				filter.Status = &s
			}

			return withApp(func(ctx context.Context, a *app.App) error {
				hist, err := a.Registry.History(ctx, *userID, args[0], filter)
				if err != nil {
					return err
				}

				fmt.Printf("\n=== History (page %d, %d of %d) ===\n\n", hist.Page, len(hist.Items), hist.Total)
				for _, s := range hist.Items {
					printSnapshot(s)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 10, "Rows per page")
	cmd.Flags().StringVar(&sortKey, "sort", storage.SortCreatedAt, "Sort key (created_at, clicks, referral, unpaid, customers, status)")
	cmd.Flags().BoolVar(&asc, "asc", false, "Sort ascending")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (success, failed)")
	return cmd
}

// ============ QUEUE COMMANDS ============

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show job counts and registered schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				counts, err := a.Queue.Counts(ctx)
				if err != nil {
					return err
				}
				schedulers, err := a.Queue.JobSchedulers(ctx)
				if err != nil {
					return err
				}

				fmt.Printf("\n=== Queue %s ===\n\n", a.Queue.Name())
				fmt.Printf("Waiting: %d\n", counts.Waiting)
				fmt.Printf("Delayed: %d\n", counts.Delayed)
				fmt.Printf("Active:  %d\n", counts.Active)

				fmt.Printf("\n=== Schedules (%d) ===\n\n", len(schedulers))
				for _, s := range schedulers {
					rule := s.Pattern
					if s.EveryMs > 0 {
						rule = (time.Duration(s.EveryMs) * time.Millisecond).String()
					}
					next := "-"
					if s.NextRunAt != nil {
						next = s.NextRunAt.Format(time.RFC3339)
					}
					fmt.Printf("%s | %s | next %s\n", s.Key, rule, next)
				}
				return nil
			})
		},
	}
}

// ============ SCRAPE COMMANDS ============

func scrapeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scrape [promoter-id]",
		Short: "Fetch a promoter's metrics now, bypassing the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				snap, err := a.Processor.Run(ctx, args[0])
				if err != nil {
					return err
				}
				printSnapshot(snap)
				return nil
			})
		},
	}
}

// ============ VAULT COMMANDS ============

func vaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Credential encryption helpers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Generate a new encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Printf("TRACKER_VAULT_ENCRYPTION_KEY=%s\n", key)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "encrypt [plaintext]",
		Short: "Encrypt a value with the configured key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := vault.New(cfg.Vault.EncryptionKey, 0)
			if err != nil {
				return err
			}
			out, err := v.Encrypt(args[0])
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	})

	return cmd
}

func printPromoter(v *registry.PromoterView) {
	fmt.Printf("[%s] %s | %s\n", v.ID, v.CompanyHost, v.Email)
	trigger := string(v.TriggerKind)
	if v.Schedule != "" {
		trigger += " " + v.Schedule
	}
	fmt.Printf("    Trigger: %s | Enabled: %t\n", trigger, v.Enabled)
	if v.Latest != nil {
		fmt.Print("    Latest: ")
		printSnapshot(v.Latest)
	}
	fmt.Println()
}

func printSnapshot(s *models.Snapshot) {
	ts := s.CreatedAt.Format(time.RFC3339)
	if s.Status == models.SnapshotFailed {
		msg := ""
		if s.FailedMessage != nil {
			msg = *s.FailedMessage
		}
		fmt.Printf("%s FAILED: %s\n", ts, msg)
		return
	}
	fmt.Printf("%s clicks=%d referrals=%d customers=%d unpaid=%s\n",
		ts, s.Clicks, s.Referral, s.Customers, notify.FromCents(s.Unpaid).StringFixed(2))
}
