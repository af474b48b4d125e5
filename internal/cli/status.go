package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/deskflow/pkg/gateway"
)

var errDaemonUnreachable = errors.New("daemon is not reachable")

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the Deskflow daemon: uptime, turn counters, providers and memory.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	var health gateway.HealthResponse
	if err := fetchJSON("/api/health", &health); err != nil {
		if errors.Is(err, errDaemonUnreachable) {
			fmt.Fprintln(out, "Status: stopped")
			return nil
		}
		return err
	}
	var status gateway.StatusResponse
	if err := fetchJSON("/api/status", &status); err != nil {
		return err
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "Version: %s\n", health.Version)
	fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Duration(health.Uptime)*time.Second))
	fmt.Fprintf(out, "Conversations: %d\n", status.Stats.TotalConversations)
	fmt.Fprintf(out, "Turns: %d\n", status.Stats.TotalTurns)
	fmt.Fprintf(out, "Tool calls: %d\n", status.Stats.TotalToolCalls)
	fmt.Fprintf(out, "Tokens used: %d\n", status.Stats.TotalTokensUsed)
	fmt.Fprintf(out, "Tools: %d (%d running)\n", status.Tools, status.ToolsActive)
	fmt.Fprintf(out, "Clients: %d\n", status.Clients)
	if status.Memory != nil {
		fmt.Fprintf(out, "Memory entries: %d\n", status.Memory.Entries)
	}

	names := make([]string, 0, len(status.Providers))
	for name := range status.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := status.Providers[name]
		fmt.Fprintf(out, "Provider %s: %s (%d requests, %d failures)\n", name, p.State, p.TotalRequests, p.TotalFailures)
	}
	return nil
}

// fetchJSON decodes a 200 response from the daemon into v.
func fetchJSON(path string, v any) error {
	resp, err := getAPI(path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr gateway.ErrorResponse
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", path, apiErr.Error)
		}
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%s: invalid response: %w", path, err)
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
