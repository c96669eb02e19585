package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"newsdesk.org/internal/auth"
	"newsdesk.org/internal/config"
	"newsdesk.org/internal/migrate"
	"newsdesk.org/internal/obs"
	"newsdesk.org/internal/token"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	dsn     string
	dir     string
	seeds   string
	timeout time.Duration
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the newsdesk credential schema",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&g.dsn, "dsn", os.Getenv("NEWSDESK_PG_DSN"), "PostgreSQL DSN")
	cmd.PersistentFlags().StringVar(&g.dir, "migrations", "", "directory of *.up.sql/*.down.sql files (default: embedded)")
	cmd.PersistentFlags().StringVar(&g.seeds, "seeds", "", "directory of seed *.sql files")
	cmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "overall timeout")

	cmd.AddCommand(
		newUpCommand(g),
		newDownCommand(g),
		newStatusCommand(g),
		newSeedCommand(g),
		newCreateUserCommand(g),
	)
	return cmd
}

// withManager opens the database, runs fn and closes everything.
func withManager(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, db *sql.DB, mgr *migrate.Manager) error) error {
	if g.dsn == "" {
		return errors.New("missing DSN: provide via --dsn or NEWSDESK_PG_DSN")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()

	db, err := sql.Open("pgx", g.dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	opts := []migrate.Option{migrate.WithLogger(obs.Logger())}
	if g.seeds != "" {
		opts = append(opts, migrate.WithSeeds(os.DirFS(g.seeds)))
	}
	migrations := migrate.Embedded()
	if g.dir != "" {
		migrations = os.DirFS(g.dir)
	}
	return fn(ctx, db, migrate.NewManager(db, migrations, opts...))
}

func newUpCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, g, func(ctx context.Context, _ *sql.DB, mgr *migrate.Manager) error {
				applied, err := mgr.Up(ctx)
				for _, name := range applied {
					cmd.Println("applied", name)
				}
				if err == nil && len(applied) == 0 {
					cmd.Println("nothing to apply")
				}
				return err
			})
		},
	}
}

func newDownCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, g, func(ctx context.Context, _ *sql.DB, mgr *migrate.Manager) error {
				name, err := mgr.Down(ctx)
				if err != nil {
					return err
				}
				cmd.Println("rolled back", name)
				return nil
			})
		},
	}
}

func newStatusCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, g, func(ctx context.Context, _ *sql.DB, mgr *migrate.Manager) error {
				applied, err := mgr.Status(ctx)
				if err != nil {
					return err
				}
				for _, r := range applied {
					cmd.Printf("applied  %s  %s\n", r.AppliedAt.UTC().Format(time.RFC3339), r.Name)
				}
				pending, err := mgr.Pending(ctx)
				if err != nil {
					return err
				}
				for _, name := range pending {
					cmd.Printf("pending  %s\n", name)
				}
				return nil
			})
		},
	}
}

func newSeedCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Apply seed files from --seeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.seeds == "" {
				return errors.New("seed requires --seeds")
			}
			return withManager(cmd, g, func(ctx context.Context, _ *sql.DB, mgr *migrate.Manager) error {
				applied, err := mgr.Seed(ctx)
				for _, name := range applied {
					cmd.Println("seeded", name)
				}
				return err
			})
		},
	}
}

func newCreateUserCommand(g *globalFlags) *cobra.Command {
	var email, password, name, role string
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create an account with an explicit role",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, ok := auth.ParseRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return withManager(cmd, g, func(ctx context.Context, db *sql.DB, _ *migrate.Manager) error {
				issuer, err := token.NewIssuer(cfg.AccessTokenSecret, cfg.RefreshTokenSecret)
				if err != nil {
					return err
				}
				svc, err := auth.NewService(auth.NewPGStore(db), issuer,
					auth.WithHashCost(cfg.BcryptCost), auth.WithLogger(obs.Logger()))
				if err != nil {
					return err
				}
				user, err := svc.Provision(ctx, auth.RegisterInput{Email: email, Password: password, Name: name}, r)
				if err != nil {
					return err
				}
				cmd.Printf("created %s %s (%s)\n", user.ID, user.Email, user.Role)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleJournalist), "ADMIN, JOURNALIST or USER")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}
