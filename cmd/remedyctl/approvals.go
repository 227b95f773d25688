package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	decisionActor   string
	decisionComment string
	auditSince      int64
)

func init() {
	for _, cmd := range []*cobra.Command{approveCmd, rejectCmd} {
		cmd.Flags().StringVar(&decisionActor, "actor", "", "Identity recorded on the decision (required)")
		cmd.Flags().StringVar(&decisionComment, "comment", "", "Optional comment")
		_ = cmd.MarkFlagRequired("actor")
	}
	auditCmd.Flags().Int64Var(&auditSince, "since", 0, "Only entries after this global sequence number")
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List pending approval tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		var approvals []struct {
			Token       string    `json:"token"`
			FindingID   string    `json:"finding_id"`
			CandidateID string    `json:"candidate_id"`
			RequestedAt time.Time `json:"requested_at"`
		}
		if err := getJSON("/api/approvals", &approvals); err != nil {
			return skipRendered(err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TOKEN\tFINDING\tREQUESTED")
		for _, a := range approvals {
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				a.Token, shortID(a.FindingID), a.RequestedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <token>",
	Short: "Approve a pending patch candidate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(args[0], "approve")
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <token>",
	Short: "Reject a pending patch candidate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(args[0], "reject")
	},
}

func decide(token, verdict string) error {
	path := "/api/approvals/" + url.PathEscape(token) + "/decision"
	payload := map[string]string{
		"verdict": verdict,
		"actor":   decisionActor,
		"comment": decisionComment,
	}
	body, status, err := postJSON(path, payload, http.StatusOK)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		fmt.Printf("Decision recorded: %s\n", verdict)
		return nil
	case http.StatusConflict:
		fmt.Println("Token was already decided; the first decision stands")
		return nil
	default:
		return apiError(status, body)
	}
}

// auditEntry mirrors the audit API response shape.
type auditEntry struct {
	Seq        int64     `json:"seq"`
	FindingID  string    `json:"finding_id"`
	CausalSeq  int64     `json:"causal_seq"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Actor      string    `json:"actor"`
	Error      string    `json:"error,omitempty"`
	ErrorClass string    `json:"error_class,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	At         time.Time `json:"at"`
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the global audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/audit"
		if auditSince > 0 {
			path += "?since=" + strconv.FormatInt(auditSince, 10)
		}
		var entries []auditEntry
		if err := getJSON(path, &entries); err != nil {
			return skipRendered(err)
		}
		printAuditEntries(entries)
		return nil
	},
}

func printAuditEntries(entries []auditEntry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tFINDING\tTRANSITION\tACTOR\tAT\tERROR")
	for _, e := range entries {
		transition := e.To
		if e.From != "" {
			transition = e.From + " -> " + e.To
		}
		errText := e.Error
		if errText != "" && e.ErrorClass != "" {
			errText = "[" + e.ErrorClass + "] " + errText
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, shortID(e.FindingID), transition, e.Actor,
			e.At.Format(time.RFC3339), errText)
	}
	_ = w.Flush()
}
