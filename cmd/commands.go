package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/guardrail/internal/ageverify"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin server with health checks and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			return a.serve(ctx)
		},
	}
}

func newProbeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check every dependency once and report its health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}

			results := a.probe(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}

			var down int
			for _, r := range results {
				if !r.Healthy {
					down++
				}
			}
			if down > 0 {
				return fmt.Errorf("%d of %d dependencies unhealthy", down, len(results))
			}
			return nil
		},
	}
}

func newModerateCmd(opts *rootOptions) *cobra.Command {
	var contentType, userID string

	cmd := &cobra.Command{
		Use:   "moderate <content>",
		Short: "Screen a piece of content through the moderation service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}

			stop := a.startWorkers(cmd.Context())
			defer a.stopWorkers(stop)

			result := a.moderation.AnalyzeContent(cmd.Context(), args[0], contentType, userID)
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&contentType, "type", "text", "content type sent to the moderation service")
	cmd.Flags().StringVar(&userID, "user", "", "id of the user who authored the content")

	return cmd
}

type ageReport struct {
	Status       ageverify.Status       `json:"status"`
	Access       ageverify.Access       `json:"access"`
	Restrictions ageverify.Restrictions `json:"restrictions"`
}

func newAgeCmd(opts *rootOptions) *cobra.Command {
	var rating string

	cmd := &cobra.Command{
		Use:   "age <user-id>",
		Short: "Look up a user's age verification and content access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			userID := args[0]

			return writeJSON(cmd.OutOrStdout(), ageReport{
				Status:       a.ageVerify.GetVerificationStatus(ctx, userID),
				Access:       a.ageVerify.CheckContentAccess(ctx, userID, rating),
				Restrictions: a.ageVerify.GetAgeRestrictions(ctx, userID),
			})
		},
	}

	cmd.Flags().StringVar(&rating, "rating", ageverify.RatingPG, "content rating to check access for (U, PG, 12, 15, 18)")

	return cmd
}
