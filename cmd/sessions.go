package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var statusSession string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted sessions, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsRun()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the progress summary of a session as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun(statusSession)
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusSession, "session", "s", "", "Session id")
	_ = statusCmd.MarkFlagRequired("session")
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(statusCmd)
}

func sessionsRun() error {
	f, err := newFactory()
	if err != nil {
		return err
	}
	sessions, err := f.Sessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No sessions yet. Start one with 'dacli chat'.")
		return nil
	}

	table := ui.Table([]string{"Session", "Created", "Updated", "Phase", "Tables", "Errors"})
	for _, s := range sessions {
		errs := strconv.Itoa(s.ErrorsCount)
		if s.ErrorsCount > 0 {
			errs = red(errs)
		}
		_ = table.Append([]string{
			cyan(s.SessionID),
			shortTime(s.CreatedAt),
			shortTime(s.UpdatedAt),
			s.CurrentPhase,
			strconv.Itoa(s.TablesCreated),
			errs,
		})
	}
	return table.Render()
}

// shortTime trims the fractional seconds of a stored timestamp.
func shortTime(ts string) string {
	if len(ts) > 19 {
		return ts[:19]
	}
	return ts
}

func statusRun(id string) error {
	f, err := newFactory()
	if err != nil {
		return err
	}
	store, err := f.Store(id)
	if err != nil {
		return err
	}
	found, err := store.LoadSession(id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("session %s not found", id)
	}

	data, err := json.MarshalIndent(store.ProgressSummary(), "", "  ")
	if err != nil {
		return err
	}
	ui.Println(string(data))
	return nil
}
