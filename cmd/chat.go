package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinemde/dacli/agentloop"
	"github.com/martinemde/dacli/memory"
	"github.com/martinemde/dacli/session"
)

var chatSession string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive session with the agent",
	Long: `Start an interactive session with the agent.

Type 'status' to show the session progress and 'exit' to quit. With
--session an existing session is resumed, or created under that id.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return chatRun(cmd.Context(), cmd.InOrStdin())
	},
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "Session id to resume or create")
	rootCmd.AddCommand(chatCmd)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

func chatRun(ctx context.Context, in io.Reader) error {
	if ctx == nil {
		ctx = context.Background()
	}
	reader := bufio.NewReader(in)

	ask := func(_ context.Context, prompt string) (string, error) {
		ui.Println(yellow(prompt))
		ui.Printf("%s ", yellow("answer>"))
		answer, err := readLine(reader)
		if errors.Is(err, io.EOF) && answer != "" {
			err = nil
		}
		return answer, err
	}

	f, err := newFactory(session.WithUserInput(ask))
	if err != nil {
		return err
	}
	agent, resumed, err := f.Open(ctx, chatSession)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		printEvents(agent.Events())
	}()
	defer func() {
		if err := agent.Shutdown(context.Background()); err != nil {
			log.Warn("Shutdown failed", "error", err)
		}
		<-done
	}()

	if resumed {
		ui.Info("Resumed session %s (%d messages)", cyan(agent.SessionID()), len(agent.Store().FullHistory()))
	} else {
		ui.Info("Started session %s", cyan(agent.SessionID()))
	}
	ui.Info("Type 'status' for progress, 'exit' to quit.")

	for {
		ui.Printf("%s ", cyan("you>"))
		line, err := readLine(reader)
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return err
		}
		text := strings.TrimSpace(line)

		switch strings.ToLower(text) {
		case "":
		case "exit", "quit":
			return nil
		case "status":
			printProgress(agent.Progress())
		default:
			start := time.Now()
			resp, err := agent.ProcessMessage(ctx, text)
			if err != nil {
				return err
			}
			printResponse(resp, time.Since(start))
		}
		if eof {
			ui.Println()
			return nil
		}
	}
}

func printResponse(resp *agentloop.Response, elapsed time.Duration) {
	if resp.Error != "" {
		ui.Error("%s", resp.Error)
	}
	if resp.Content != "" {
		ui.Println(green("agent>"), resp.Content)
	}
	if resp.NeedsUserInput {
		ui.Info("The agent is waiting for your reply.")
	}
	if settings != nil && settings.UI.ShowTiming {
		ui.Println(faint(fmt.Sprintf("  %s, %d iterations, %d tokens",
			elapsed.Round(time.Millisecond), resp.Iteration, resp.Usage.TotalTokens)))
	}
}

func printEvents(events <-chan agentloop.Event) {
	limit := 0
	if settings != nil {
		limit = settings.UI.TruncateOutput
	}
	for ev := range events {
		switch ev.Kind {
		case agentloop.EventToolStart:
			args, _ := json.Marshal(ev.Data["arguments"])
			ui.Tool("%s %s", cyan(ev.Data["tool_name"]), faint(agentloop.TruncateOutput(string(args), 120, agentloop.TruncateHead)))
		case agentloop.EventToolEnd:
			ms, _ := ev.Data["duration_ms"].(float64)
			status, _ := ev.Data["status"].(string)
			ui.Tool("%s %s %s", cyan(ev.Data["tool_name"]), statusColor(status), faint(fmt.Sprintf("%.0fms", ms)))
			if out, _ := ev.Data["output"].(string); out != "" && status != "success" {
				ui.Println(faint(agentloop.TruncateLines(agentloop.TruncateOutput(out, limit, agentloop.TruncateHead), 20)))
			}
		case agentloop.EventLoopDetected:
			ui.Warning("%s", ev.String())
		case agentloop.EventStatus:
			ui.Info("%s", faint(ev.String()))
		}
	}
}

func printProgress(p memory.ProgressSummary) {
	ui.Info("Session %s, phase %s", cyan(p.SessionID), p.CurrentPhase)
	ui.Println(fmt.Sprintf("  infrastructure ready: %s", yesNo(p.InfrastructureReady)))
	ui.Println(fmt.Sprintf("  tables created: %d, loaded: %d (%d rows)", p.TablesCreated, p.TablesLoaded, p.TotalRowsLoaded))
	ui.Println(fmt.Sprintf("  files discovered: %d, errors: %d", p.FilesDiscovered, p.ErrorsCount))
	if p.LastError != nil {
		ui.Println("  last error:", red(*p.LastError))
	}
}
