package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/debate"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/spf13/cobra"
)

var runOpts struct {
	topic        string
	context      string
	preset       string
	participants []string
	judge        string
	threshold    int
	jsonOutput   bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single debate and print its events",
	Example: `  synedrio run --topic "Adopt a monorepo?" --participants claude,gpt --judge gemini
  synedrio run --topic "Review auth.go" --preset code_review --participants claude --judge claude --threshold 90`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := debate.Config{
			Topic:               runOpts.topic,
			Context:             runOpts.context,
			Preset:              runOpts.preset,
			Participants:        runOpts.participants,
			Judge:               runOpts.judge,
			CompletionThreshold: runOpts.threshold,
		}
		if strings.TrimSpace(cfg.Topic) == "" {
			return fmt.Errorf("--topic is required")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runOnce(cfg, cmd.OutOrStdout(), runOpts.jsonOutput)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.topic, "topic", "", "Debate topic")
	f.StringVar(&runOpts.context, "context", "", "Extra context given to every participant")
	f.StringVar(&runOpts.preset, "preset", debate.DefaultPreset, "Element preset")
	f.StringSliceVar(&runOpts.participants, "participants", nil, "Participants in rotation order (comma separated)")
	f.StringVar(&runOpts.judge, "judge", "", "Judge provider for cycle detection")
	f.IntVar(&runOpts.threshold, "threshold", 80, "Completion threshold (0-100)")
	f.BoolVar(&runOpts.jsonOutput, "json", false, "Print events as JSON lines")
	rootCmd.AddCommand(runCmd)
}

func runOnce(cfg debate.Config, out io.Writer, jsonOutput bool) error {
	appCfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appCfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.ctrl.Start(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Session %s started\n", sess.ID)

	go func() {
		select {
		case <-ctx.Done():
			slog.Info("interrupt received, cancelling after the current round")
			a.ctrl.Cancel()
		case <-a.ctrl.Done():
		}
	}()
	go func() {
		<-a.ctrl.Done()
		a.sink.Close()
	}()

	for ev := range a.sink.Events() {
		if err := a.client.PublishJSON(natsbus.TopicEventsDebate(ev.SessionID), ev); err != nil {
			slog.Warn("failed to publish debate event", "type", ev.Type, "error", err)
		}
		printEvent(out, ev, jsonOutput)
	}

	final, _ := a.ctrl.Session()
	if final.Status != debate.SessionCompleted {
		return fmt.Errorf("debate ended with status %s", final.Status)
	}
	return nil
}

func printEvent(w io.Writer, ev debate.Event, jsonOutput bool) {
	if jsonOutput {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintln(w, string(data))
		return
	}
	if line := describeEvent(ev); line != "" {
		fmt.Fprintf(w, "%s  %s\n", ev.Timestamp.Format("15:04:05"), line)
	}
}

// describeEvent renders an in-process event as one line of text.
func describeEvent(ev debate.Event) string {
	switch d := ev.Data.(type) {
	case debate.StartedData:
		return fmt.Sprintf("started %q with %s, judged by %s (%s)",
			d.Topic, strings.Join(d.Participants, ", "), d.Judge, strings.Join(d.Elements, ", "))
	case debate.StateChangedData:
		return fmt.Sprintf("status %s -> %s", d.From, d.To)
	case debate.ProgressData:
		return fmt.Sprintf("[%d] %s: %s", d.Iteration, d.Provider, d.Phase)
	case debate.ResponseData:
		return fmt.Sprintf("[%d] %s replied (%d chars)", d.Iteration, d.Provider, len(d.Content))
	case debate.ElementScoreData:
		return fmt.Sprintf("[%d] %s scored %d by %s", d.Iteration, d.Name, d.Score, d.Provider)
	case debate.CycleDetectedData:
		return fmt.Sprintf("[%d] cycle detected on %s", d.Iteration, d.Name)
	case debate.ProviderExcludedData:
		return fmt.Sprintf("%s excluded after %d consecutive failures", d.Provider, d.Failures)
	case debate.CompleteData:
		msg := fmt.Sprintf("complete after %d iterations", d.Iterations)
		if d.Exhausted {
			msg = fmt.Sprintf("stopped at the iteration limit after %d iterations, %d unresolved", d.Iterations, d.Unresolved)
		}
		if d.Tokens.Total > 0 {
			msg += fmt.Sprintf(", %d tokens", d.Tokens.Total)
		}
		return msg
	case debate.ErrorData:
		return fmt.Sprintf("[%d] error: %s", d.Iteration, d.Error)
	}
	return string(ev.Type)
}
