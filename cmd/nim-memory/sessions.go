package main

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-memory/core"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List live sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, apiURL("/api/sessions"), nil)
	if err != nil {
		return err
	}
	var out struct {
		Sessions []core.SessionSummary `json:"sessions"`
	}
	if err := doRequest(req, http.StatusOK, &out); err != nil {
		return err
	}

	if len(out.Sessions) == 0 {
		cmd.Println("No sessions.")
		return nil
	}
	for _, s := range out.Sessions {
		name := s.DisplayName
		if name == "" {
			name = "-"
		}
		cmd.Printf("%s  %-24s %3d messages  last %s\n",
			s.SessionID, name, s.MessageCount, s.LastMessageAt.Local().Format(time.DateTime))
	}
	return nil
}
