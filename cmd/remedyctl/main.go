// Package main implements the remedyctl CLI for operating a remedyd
// daemon over its HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the remedyd HTTP server
	serverURL string
	// outputJSON switches output to raw JSON
	outputJSON bool
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "remedyctl",
	Short: "CLI for remedyd operations",
	Long: `remedyctl is a command-line interface for a running remedyd daemon.
It inspects findings and approvals, records approval decisions, and
requeues failed remediations.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9090", "remedyd server URL")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(findingsCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(requeueCmd)
	rootCmd.AddCommand(auditCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check remedyd server health",
	RunE:  runHealth,
}

// HealthResponse matches pkg/server HealthResponse.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	var resp HealthResponse
	if err := getJSON("/health", &resp); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", resp.Service, resp.Status)
	return nil
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// getJSON performs a GET against the daemon and decodes the response.
func getJSON(path string, out any) error {
	resp, err := httpClient().Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp.StatusCode, body)
	}
	if outputJSON {
		fmt.Println(string(body))
		return errSkipRender
	}
	return json.Unmarshal(body, out)
}

// postJSON performs a POST with a JSON body.
func postJSON(path string, payload any, wantStatus int) ([]byte, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	resp, err := httpClient().Post(serverURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return body, resp.StatusCode, nil
	}
	return body, resp.StatusCode, nil
}

// errSkipRender signals that --json already printed the raw body.
var errSkipRender = fmt.Errorf("output rendered")

// skipRendered filters errSkipRender into success.
func skipRendered(err error) error {
	if err == errSkipRender {
		return nil
	}
	return err
}

func apiError(status int, body []byte) error {
	var echoErr struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &echoErr) == nil && echoErr.Message != "" {
		return fmt.Errorf("server returned %d: %s", status, echoErr.Message)
	}
	return fmt.Errorf("server returned %d", status)
}
