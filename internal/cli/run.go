package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/storyfactory/internal/orchestrator"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run [story text]",
	Short: "Run one story through the pipeline",
	Long: `Run one story through the pipeline and print the result.

The story is taken from the arguments, from --story-file, or fetched from the
tracker when only --issue is given. The command exits non-zero when the run
ends fatal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := requestFromFlags(cmd, args)
		if err != nil {
			return err
		}
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		templates, _ := cmd.Flags().GetString("templates")
		a, err := newApp(ctx, cfg, appOpts{templateDir: templates, withDB: true})
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.orch.Run(ctx, req)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			if err := writeJSON(cmd, res); err != nil {
				return err
			}
		} else if err := printResult(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		if res.Status == pipeline.RunFatal {
			return fmt.Errorf("run %s ended fatal: %s", res.RequestID, res.Error)
		}
		return nil
	},
}

func requestFromFlags(cmd *cobra.Command, args []string) (orchestrator.Request, error) {
	f := cmd.Flags()
	issue, _ := f.GetString("issue")
	requestID, _ := f.GetString("request-id")
	storyFile, _ := f.GetString("story-file")
	images, _ := f.GetStringSlice("image")
	owner, _ := f.GetString("repo-owner")
	repo, _ := f.GetString("repo-name")
	project, _ := f.GetString("project-key")
	stack, _ := f.GetStringSlice("tech-stack")
	constraints, _ := f.GetStringSlice("constraint")

	story := strings.TrimSpace(strings.Join(args, " "))
	if storyFile != "" {
		if story != "" {
			return orchestrator.Request{}, fmt.Errorf("give the story as arguments or --story-file, not both")
		}
		data, err := readInput(cmd, storyFile)
		if err != nil {
			return orchestrator.Request{}, err
		}
		story = strings.TrimSpace(string(data))
	}
	if story == "" && issue == "" {
		return orchestrator.Request{}, fmt.Errorf("a story or --issue is required")
	}

	req := orchestrator.Request{
		RequestID: requestID,
		IssueID:   issue,
		Story:     story,
		Context: pipeline.RequestContext{
			RepoOwner:   owner,
			RepoName:    repo,
			ProjectKey:  project,
			TechStack:   stack,
			Constraints: constraints,
		},
	}
	for _, u := range images {
		req.Images = append(req.Images, pipeline.Image{URL: u, Filename: filepath.Base(u)})
	}
	return req, nil
}

// readInput reads a file, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func printResult(out io.Writer, res *orchestrator.Result) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Request:\t%s\n", res.RequestID)
	if res.IssueID != "" {
		fmt.Fprintf(w, "Issue:\t%s\n", res.IssueID)
	}
	status := string(res.Status)
	if res.Reason != "" {
		status += " (" + res.Reason + ")"
	}
	fmt.Fprintf(w, "Status:\t%s\n", status)
	if res.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", res.Error)
	}
	fmt.Fprintf(w, "Invocations:\t%d\n", res.Invocations)
	art := res.Artifacts
	if art.Decomposition != nil {
		fmt.Fprintf(w, "Tasks:\t%d (%d FE, %d BE)\n", art.Decomposition.TaskCount(), len(art.Decomposition.FETasks), len(art.Decomposition.BETasks))
	}
	if art.Estimation != nil {
		fmt.Fprintf(w, "Total effort:\t%s\n", time.Duration(art.TotalEffort))
	}
	if art.SolutionDesign != nil && art.SolutionDesign.PageURL != "" {
		fmt.Fprintf(w, "Design:\t%s\n", art.SolutionDesign.PageURL)
	}
	if len(art.CodeChangeSet) > 0 {
		fmt.Fprintf(w, "Changes:\t%d files\n", len(art.CodeChangeSet))
	}
	if art.Delivery != nil && art.Delivery.PullRequestURL != "" {
		fmt.Fprintf(w, "Pull request:\t%s\n", art.Delivery.PullRequestURL)
	}
	if len(art.TestPlan) > 0 {
		fmt.Fprintf(w, "Test scenarios:\t%d\n", len(art.TestPlan))
	}
	for _, n := range res.ValidationNotes {
		fmt.Fprintf(w, "Note:\t%s\n", n)
	}
	return w.Flush()
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("templates", "", "directory of prompt template overrides")
	cmd.Flags().String("format", "text", "Output format: text or json")
}

func init() {
	f := runCmd.Flags()
	f.String("issue", "", "tracker issue the story belongs to")
	f.String("request-id", "", "request id (generated when empty)")
	f.String("story-file", "", "read the story from a file (- for stdin)")
	f.StringSlice("image", nil, "image URL to pass as a visual reference (repeatable)")
	f.String("repo-owner", "", "target repository owner")
	f.String("repo-name", "", "target repository name")
	f.String("project-key", "", "tracker project key")
	f.StringSlice("tech-stack", nil, "technology in use (repeatable)")
	f.StringSlice("constraint", nil, "project constraint (repeatable)")
	addRunFlags(runCmd)
}
