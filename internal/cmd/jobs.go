package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/seqtrace/bioengine/internal/config"
	"github.com/seqtrace/bioengine/pkg/registry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect persisted job records",
	Long: `Inspect job records persisted under the data directory.

These commands read the on-disk snapshots written by a running engine,
so they work without the HTTP API:

- stable job ids
- predictable on-disk locations
- optional JSON output for machine parsing`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("state", "", "Filter by state (comma-separated)")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

func jobsStore() (*registry.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return registry.NewStore(filepath.Join(cfg.Data.Dir, "jobs")), nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	stateFilter, _ := cmd.Flags().GetString("state")

	store, err := jobsStore()
	if err != nil {
		return err
	}
	jobs, err := store.List()
	if err != nil {
		return err
	}
	if stateFilter != "" {
		wanted := make(map[registry.JobState]bool)
		for _, s := range strings.Split(stateFilter, ",") {
			wanted[registry.JobState(strings.TrimSpace(s))] = true
		}
		filtered := jobs[:0]
		for _, j := range jobs {
			if wanted[j.State] {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tNAME\tKIND\tSTATE\tPROGRESS\tCREATED\tSTARTED\tCOMPLETED")
	for _, j := range jobs {
		name := j.Name
		if name == "" {
			name = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%s\t%s\t%s\n",
			shortJobID(j.ID),
			name,
			j.Kind,
			j.State,
			j.Progress,
			j.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(j.StartedAt),
			formatOptionalTime(j.CompletedAt),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jobID := strings.TrimSpace(args[0])
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}

	store, err := jobsStore()
	if err != nil {
		return err
	}
	resolvedID, err := resolveJobID(store, jobID)
	if err != nil {
		return err
	}
	rec, err := store.Get(resolvedID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", rec.ID)
	if rec.Name != "" {
		_, _ = fmt.Fprintf(os.Stdout, "name=%s\n", rec.Name)
	}
	_, _ = fmt.Fprintf(os.Stdout, "kind=%s\n", rec.Kind)
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(os.Stdout, "progress=%d%%\n", rec.Progress)
	if rec.Message != "" {
		_, _ = fmt.Fprintf(os.Stdout, "message=%s\n", rec.Message)
	}
	if rec.Retries > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "retries=%d\n", rec.Retries)
	}
	_, _ = fmt.Fprintf(os.Stdout, "created_at=%s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.CompletedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "completed_at=%s\n", rec.CompletedAt.UTC().Format(time.RFC3339))
	}
	if rec.Failure != nil {
		_, _ = fmt.Fprintf(os.Stdout, "failure_kind=%s\n", rec.Failure.Kind)
		_, _ = fmt.Fprintf(os.Stdout, "failure_message=%s\n", rec.Failure.Message)
	}
	return nil
}

// resolveJobID accepts a full id or an unambiguous prefix.
func resolveJobID(store *registry.Store, id string) (string, error) {
	jobs, err := store.List()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, j := range jobs {
		if j.ID == id {
			return id, nil
		}
		if strings.HasPrefix(j.ID, id) {
			matches = append(matches, j.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no job matches %q", id)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("job id prefix %q is ambiguous (%d matches)", id, len(matches))
	}
}

func shortJobID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
