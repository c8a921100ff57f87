package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/octapulse/fishlens/internal/session"
	"github.com/octapulse/fishlens/internal/strategy"
	"github.com/octapulse/fishlens/pkg/models"
)

func signInCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in and keep the session for later commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			email, secret := a.v.GetString("email"), a.v.GetString("secret")
			if email == "" || secret == "" {
				return fmt.Errorf("--email and --secret are required")
			}

			p, err := a.sessions().SignIn(ctxOf(cmd), email, secret)
			if err != nil {
				return err
			}
			p.SessionToken = ""
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	cmd.Flags().String("email", "", "Account email")
	cmd.Flags().String("secret", "", "Account secret (or FISHLENS_SECRET)")
	return cmd
}

func signOutCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.sessions().SignOut(ctxOf(cmd))
			return printJSON(cmd.OutOrStdout(), models.SessionResponse{State: string(session.StateAnonymous)})
		},
	}
}

func whoAmICommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := a.sessions().CurrentPrincipal()
			if p != nil {
				p.SessionToken = ""
			}
			return printJSON(cmd.OutOrStdout(), models.SessionResponse{
				State:     string(a.sessions().State()),
				Principal: p,
				IsAdmin:   p.IsAdmin(),
			})
		},
	}
}

func healthCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the analysis backend is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.analysis().BackendHealth(ctxOf(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		},
	}
}

func addParamFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("grid-size", 1.0, "Calibration grid square size in inches")
	cmd.Flags().Bool("visualizations", true, "Render visualizations")
}

func paramsFrom(cmd *cobra.Command) (models.AnalysisParams, error) {
	params := models.DefaultAnalysisParams()
	grid, err := cmd.Flags().GetFloat64("grid-size")
	if err != nil {
		return params, err
	}
	if grid <= 0 {
		return params, fmt.Errorf("--grid-size must be positive")
	}
	vis, err := cmd.Flags().GetBool("visualizations")
	if err != nil {
		return params, err
	}
	params.GridSquareSize = grid
	params.IncludeVisualizations = vis
	return params, nil
}

func uploadCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <ref>...",
		Short: "Upload images from files, URLs, az:// or s3:// references",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			params, err := paramsFrom(cmd)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				resp, err := a.analysis().UploadRef(ctxOf(cmd), args[0], params)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			}
			resp, err := a.analysis().UploadRefs(ctxOf(cmd), args, params)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	addParamFlags(cmd)
	return cmd
}

func inspectCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <ref>",
		Short: "Load an image reference and show whether it would be accepted for upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			meta, err := a.analysis().InspectRef(ctxOf(cmd), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), meta)
		},
	}
}

func analyzeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <image_path>",
		Short: "Analyze an uploaded image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			params, err := paramsFrom(cmd)
			if err != nil {
				return err
			}
			color, _ := cmd.Flags().GetBool("color")
			lateral, _ := cmd.Flags().GetBool("lateral-line")

			out, err := a.analysis().Analyze(ctxOf(cmd), models.AnalysisRequest{
				ImagePath:                  args[0],
				GridSquareSizeInches:       params.GridSquareSize,
				IncludeVisualizations:      params.IncludeVisualizations,
				IncludeColorAnalysis:       color,
				IncludeLateralLineAnalysis: lateral,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	addParamFlags(cmd)
	cmd.Flags().Bool("color", true, "Include color analysis")
	cmd.Flags().Bool("lateral-line", true, "Include lateral line analysis")
	return cmd
}

func batchCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run and inspect batch analyses",
	}
	cmd.AddCommand(
		batchStartCommand(a),
		batchStatusCommand(a),
		batchResultsCommand(a),
		batchWaitCommand(a),
		batchPopulationCommand(a),
		batchCancelCommand(a),
	)
	return cmd
}

func batchStartCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <image_path>...",
		Short: "Queue analysis of uploaded images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			params, err := paramsFrom(cmd)
			if err != nil {
				return err
			}
			resp, err := a.analysis().StartBatch(ctxOf(cmd), models.BatchAnalysisRequest{
				Images:                args,
				GridSquareSizeInches:  params.GridSquareSize,
				IncludeVisualizations: params.IncludeVisualizations,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	addParamFlags(cmd)
	return cmd
}

func batchStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <batch_id>",
		Short: "Show batch progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			progress, err := a.analysis().BatchStatus(ctxOf(cmd), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), progress)
		},
	}
}

func batchResultsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results <batch_id>",
		Short: "Show a page of batch results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}

			f := cmd.Flags()
			page, _ := f.GetInt("page")
			perPage, _ := f.GetInt("per-page")
			status, _ := f.GetString("status")
			search, _ := f.GetString("search")
			sortBy, _ := f.GetString("sort")
			order, _ := f.GetString("order")

			results, err := a.analysis().ResultsPage(ctxOf(cmd), args[0], models.ResultsQuery{
				Page:         page,
				PerPage:      perPage,
				StatusFilter: models.AnalysisStatus(status),
				SortBy:       sortBy,
				SortOrder:    order,
				Search:       search,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().Int("page", 1, "Page number")
	cmd.Flags().Int("per-page", 12, "Results per page")
	cmd.Flags().String("status", "", "Only show results with this status")
	cmd.Flags().String("search", "", "Match analysis id or image name")
	cmd.Flags().String("sort", "processed_at", "Sort field")
	cmd.Flags().String("order", "desc", "Sort order (asc or desc)")
	return cmd
}

func batchWaitCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait <batch_id>",
		Short: "Poll a batch until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			kind, _ := cmd.Flags().GetString("strategy")

			progress := cmd.ErrOrStderr()
			b, err := a.analysis().WaitBatch(ctxOf(cmd), args[0], strategy.Kind(kind), func(p *models.BatchProgress) {
				fmt.Fprintf(progress, "%s: %s %d/%d (%.1f%%)\n",
					p.BatchID, p.Status, p.CompletedImages+p.FailedImages, p.TotalImages, p.ProgressPercent)
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}
	cmd.Flags().String("strategy", string(strategy.KindFixed), "Poll strategy (fixed or exponential)")
	return cmd
}

func batchPopulationCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "population <batch_id>",
		Short: "Show population statistics of a finished batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			stats, err := a.analysis().Population(ctxOf(cmd), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func batchCancelCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <batch_id>",
		Short: "Cancel a running batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSession(); err != nil {
				return err
			}
			resp, err := a.analysis().CancelBatch(ctxOf(cmd), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}
