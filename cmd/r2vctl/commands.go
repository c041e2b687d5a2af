package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"r2v/internal/domain"
	"r2v/internal/middleware"
	"r2v/internal/queue"
)

type ctl struct {
	out  io.Writer
	open func(ctx context.Context) (*session, error)
}

func (c *ctl) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(ctx, s)
}

func newRootCmd(c *ctl) *cobra.Command {
	root := &cobra.Command{
		Use:           "r2vctl",
		Short:         "Operate the r2v job and marketplace backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.out)
	root.AddCommand(c.migrateCmd(), c.jobsCmd(), c.subscriptionsCmd(), c.tokenCmd())
	return root
}

func (c *ctl) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Manage the database schema"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withSession(cmd, func(ctx context.Context, s *session) error {
					return s.migrator.Up(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withSession(cmd, func(ctx context.Context, s *session) error {
					return s.migrator.Down(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show applied migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withSession(cmd, func(ctx context.Context, s *session) error {
					if err := s.migrator.Status(ctx); err != nil {
						return err
					}
					v, err := s.migrator.Version(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.out, "schema version %d\n", v)
					return nil
				})
			},
		},
	)
	return cmd
}

func parseKind(raw string) (domain.JobKind, error) {
	kind := domain.JobKind(strings.ToLower(strings.TrimSpace(raw)))
	if !kind.Valid() {
		return "", fmt.Errorf("kind must be ai or scan, got %q", raw)
	}
	return kind, nil
}

func (c *ctl) jobsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Inspect and requeue jobs"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <ai|scan> <job-id>",
			Short: "Print a job as JSON",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				kind, err := parseKind(args[0])
				if err != nil {
					return err
				}
				return c.withSession(cmd, func(ctx context.Context, s *session) error {
					job, err := s.jobs.Get(ctx, kind, args[1])
					if err != nil {
						return err
					}
					return c.printJob(job)
				})
			},
		},
		&cobra.Command{
			Use:   "requeue <ai|scan> <job-id>",
			Short: "Reset a job to queued and publish it again",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				kind, err := parseKind(args[0])
				if err != nil {
					return err
				}
				return c.withSession(cmd, func(ctx context.Context, s *session) error {
					return requeue(ctx, s, kind, args[1], c.out)
				})
			},
		},
	)
	return cmd
}

// requeue refuses jobs that are running; their lease would make the new
// delivery a no-op anyway.
func requeue(ctx context.Context, s *session, kind domain.JobKind, id string, out io.Writer) error {
	job, err := s.jobs.Get(ctx, kind, id)
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusRunning {
		return fmt.Errorf("%w: job %s is running", domain.ErrConflict, id)
	}
	if kind == domain.JobKindScan && len(job.InputKeys) == 0 {
		return fmt.Errorf("%w: scan job %s has no inputs", domain.ErrInvalidInput, id)
	}
	publisher, err := s.publisher(ctx)
	if err != nil {
		return err
	}
	if _, err := s.jobs.MarkQueued(ctx, kind, id); err != nil {
		return err
	}
	if err := publisher.Publish(ctx, queue.Task{Kind: kind, JobID: id}); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	fmt.Fprintf(out, "requeued %s job %s\n", kind, id)
	return nil
}

func (c *ctl) printJob(job *domain.Job) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"id":               job.ID,
		"kind":             job.Kind,
		"user_id":          job.UserID,
		"status":           job.Status,
		"progress":         job.Progress,
		"prompt":           job.Prompt,
		"settings":         job.Settings,
		"input_keys":       job.InputKeys,
		"metadata":         job.Metadata,
		"timings":          job.Timings,
		"output_image_key": job.OutputImageKey,
		"output_glb_key":   job.OutputGLBKey,
		"preview_keys":     job.PreviewKeys,
		"error":            job.Error,
		"created_at":       job.CreatedAt.Format(time.RFC3339),
		"updated_at":       job.UpdatedAt.Format(time.RFC3339),
	})
}

var grantableStatuses = map[string]bool{
	domain.SubscriptionActive:   true,
	domain.SubscriptionTrialing: true,
	"canceled":                  true,
	"past_due":                  true,
}

func (c *ctl) subscriptionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "subscriptions", Short: "Manage marketplace subscriptions"}
	cmd.AddCommand(&cobra.Command{
		Use:   "grant <user-id> <status>",
		Short: "Upsert a manual subscription (active, trialing, canceled, past_due)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := strings.ToLower(strings.TrimSpace(args[1]))
			if !grantableStatuses[status] {
				return fmt.Errorf("unsupported status %q", args[1])
			}
			return c.withSession(cmd, func(ctx context.Context, s *session) error {
				if err := s.grants.GrantSubscription(ctx, args[0], status); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "subscription for %s set to %s\n", args[0], status)
				return nil
			})
		},
	})
	return cmd
}

// tokenCmd mints access tokens for local testing without the auth service.
func (c *ctl) tokenCmd() *cobra.Command {
	var (
		sub  string
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token signed with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return errors.New("JWT_SECRET is required")
			}
			if strings.TrimSpace(sub) == "" {
				return errors.New("--sub is required")
			}
			now := time.Now()
			token, err := middleware.SignJWT(secret, middleware.TokenClaims{
				Sub:      sub,
				Role:     role,
				Type:     middleware.TokenTypeAccess,
				Issuer:   envOr("JWT_ISSUER", "r2v-backend"),
				Audience: envOr("JWT_AUDIENCE", "r2v-client"),
				Iat:      now.Unix(),
				Exp:      now.Add(ttl).Unix(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "user id to put in the sub claim")
	cmd.Flags().StringVar(&role, "role", "", "optional role, e.g. admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
