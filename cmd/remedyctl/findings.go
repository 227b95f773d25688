package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	findingsState string
	findingsLimit int
	requeueActor  string
)

func init() {
	findingsCmd.AddCommand(findingsListCmd)
	findingsCmd.AddCommand(findingsShowCmd)

	findingsListCmd.Flags().StringVar(&findingsState, "state", "", "Filter by state (detected, failed, verified, ...)")
	findingsListCmd.Flags().IntVar(&findingsLimit, "limit", 50, "Maximum number of findings to return")

	requeueCmd.Flags().StringVar(&requeueActor, "actor", "", "Identity recorded on the requeue (required)")
	_ = requeueCmd.MarkFlagRequired("actor")
}

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "Inspect findings and their remediation records",
}

// findingView mirrors the API response shape.
type findingView struct {
	Finding struct {
		ID         string    `json:"id"`
		Repository string    `json:"repository"`
		Path       string    `json:"path"`
		StartLine  int       `json:"start_line"`
		EndLine    int       `json:"end_line"`
		Category   string    `json:"category"`
		Severity   string    `json:"severity"`
		DetectedAt time.Time `json:"detected_at"`
	} `json:"finding"`
	Record struct {
		State          string    `json:"state"`
		Attempts       int       `json:"attempts"`
		LastError      string    `json:"last_error,omitempty"`
		LastErrorClass string    `json:"last_error_class,omitempty"`
		UpdatedAt      time.Time `json:"updated_at"`
	} `json:"record"`
}

var findingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List in-flight findings (or filter by state)",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if findingsState != "" {
			q.Set("state", findingsState)
		}
		q.Set("limit", fmt.Sprint(findingsLimit))

		var views []findingView
		if err := getJSON("/api/findings?"+q.Encode(), &views); err != nil {
			return skipRendered(err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSEVERITY\tSTATE\tATTEMPTS\tREPOSITORY\tPATH")
		for _, v := range views {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				shortID(v.Finding.ID), v.Finding.Severity, v.Record.State,
				v.Record.Attempts, v.Finding.Repository, v.Finding.Path)
		}
		return w.Flush()
	},
}

var findingsShowCmd = &cobra.Command{
	Use:   "show <finding-id>",
	Short: "Show one finding with its record and audit history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		var v findingView
		if err := getJSON("/api/findings/"+url.PathEscape(id), &v); err != nil {
			return skipRendered(err)
		}

		fmt.Printf("Finding:    %s\n", v.Finding.ID)
		fmt.Printf("Repository: %s\n", v.Finding.Repository)
		fmt.Printf("Location:   %s:%d-%d\n", v.Finding.Path, v.Finding.StartLine, v.Finding.EndLine)
		fmt.Printf("Category:   %s\n", v.Finding.Category)
		fmt.Printf("Severity:   %s\n", v.Finding.Severity)
		fmt.Printf("Detected:   %s\n", v.Finding.DetectedAt.Format(time.RFC3339))
		fmt.Printf("State:      %s (attempts: %d)\n", v.Record.State, v.Record.Attempts)
		if v.Record.LastError != "" {
			fmt.Printf("Last error: [%s] %s\n", v.Record.LastErrorClass, v.Record.LastError)
		}

		var entries []auditEntry
		if err := getJSON("/api/findings/"+url.PathEscape(id)+"/audit", &entries); err != nil {
			return skipRendered(err)
		}
		fmt.Println("\nHistory:")
		printAuditEntries(entries)
		return nil
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <finding-id>",
	Short: "Requeue a failed finding for another remediation attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/findings/" + url.PathEscape(args[0]) + "/requeue"
		body, status, err := postJSON(path, map[string]string{"actor": requeueActor}, http.StatusAccepted)
		if err != nil {
			return err
		}
		if status != http.StatusAccepted {
			return apiError(status, body)
		}
		fmt.Printf("Requeued %s\n", args[0])
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
