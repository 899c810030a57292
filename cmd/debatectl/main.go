package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/synedrio/internal/controller"
	"github.com/mtzanidakis/synedrio/internal/debate"
	"github.com/mtzanidakis/synedrio/internal/ipc"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
)

var errUsage = errors.New("usage")

func sendIPC(natsURL, cmdType string, payload any) (*ipc.Response, error) {
	client, err := natsbus.NewClientFromURL(natsURL, os.Getenv("NATS_TOKEN"))
	if err != nil {
		return nil, err
	}
	defer client.Close()

	cmd := ipc.Command{Type: cmdType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		cmd.Payload = raw
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := client.Request(natsbus.TopicDebateIPC, data, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp ipc.Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Error != "" {
		return &resp, errors.New(resp.Error)
	}
	return &resp, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func startConfig(args map[string]string) (debate.Config, error) {
	cfg := debate.Config{
		Topic:               args["topic"],
		Context:             args["context"],
		Preset:              args["preset"],
		Participants:        splitList(args["participants"]),
		Judge:               args["judge"],
		CompletionThreshold: 80,
	}
	if cfg.Topic == "" || len(cfg.Participants) == 0 {
		return cfg, errors.New("--topic and --participants are required")
	}
	if cfg.Judge == "" {
		cfg.Judge = cfg.Participants[0]
	}
	if v, ok := args["threshold"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid --threshold %q", v)
		}
		cfg.CompletionThreshold = n
	}
	return cfg, cfg.Validate()
}

func run(natsURL string, argv []string, out io.Writer) error {
	if len(argv) < 1 {
		return errUsage
	}
	args := parseArgs(argv[1:])

	switch argv[0] {
	case "start":
		cfg, err := startConfig(args)
		if err != nil {
			return err
		}
		resp, err := sendIPC(natsURL, ipc.CmdStart, cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Debate started: %s\n", resp.Session.ID)

	case "cancel":
		resp, err := sendIPC(natsURL, ipc.CmdCancel, nil)
		if err != nil {
			return err
		}
		if resp.Status != nil && resp.Status.Session != nil {
			fmt.Fprintf(out, "Cancelling %s.\n", resp.Status.Session.ID)
		} else {
			fmt.Fprintln(out, "Cancelling.")
		}

	case "status":
		resp, err := sendIPC(natsURL, ipc.CmdStatus, nil)
		if err != nil {
			return err
		}
		printStatus(out, resp.Status)

	case "list":
		var payload map[string]int
		if v, ok := args["limit"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return fmt.Errorf("invalid --limit %q", v)
			}
			payload = map[string]int{"limit": n}
		}
		resp, err := sendIPC(natsURL, ipc.CmdList, payload)
		if err != nil {
			return err
		}
		if len(resp.Sessions) == 0 {
			fmt.Fprintln(out, "No debates found.")
			return nil
		}
		for _, s := range resp.Sessions {
			fmt.Fprintf(out, "  %s  %-9s  %3d  %s\n", s.ID, s.Status, s.CurrentIteration, s.Config.Topic)
		}

	case "get":
		if args["id"] == "" {
			return errors.New("--id is required")
		}
		resp, err := sendIPC(natsURL, ipc.CmdGet, map[string]string{"id": args["id"]})
		if err != nil {
			return err
		}
		printSession(out, resp.Session)

	default:
		return fmt.Errorf("unknown command: %s", argv[0])
	}
	return nil
}

func printStatus(out io.Writer, st *controller.Status) {
	if st == nil || !st.Running {
		fmt.Fprintln(out, "Idle.")
		if st != nil && st.Session != nil {
			fmt.Fprintf(out, "Last debate: %s (%s)\n", st.Session.ID, st.Session.Status)
		}
		return
	}
	fmt.Fprintf(out, "Running iteration %d", st.Iteration)
	if st.Provider != "" {
		fmt.Fprintf(out, " on %s", st.Provider)
	}
	fmt.Fprintln(out)
	if st.Session != nil {
		fmt.Fprintf(out, "Session: %s %q\n", st.Session.ID, st.Session.Config.Topic)
	}
	if len(st.Excluded) > 0 {
		fmt.Fprintf(out, "Excluded: %s\n", strings.Join(st.Excluded, ", "))
	}
	if st.Tokens != nil && st.Tokens.Total > 0 {
		fmt.Fprintf(out, "Tokens: %d\n", st.Tokens.Total)
	}
}

func printSession(out io.Writer, s *debate.Session) {
	if s == nil {
		return
	}
	fmt.Fprintf(out, "%s  %s\n", s.ID, s.Config.Topic)
	fmt.Fprintf(out, "Status: %s, iteration %d\n", s.Status, s.CurrentIteration)
	fmt.Fprintf(out, "Participants: %s (judge %s)\n", strings.Join(s.Config.Participants, ", "), s.Config.Judge)
	for _, e := range s.Elements {
		line := fmt.Sprintf("  %-20s %3d  %s", e.Name, e.CurrentScore, e.Status)
		if e.CompletionReason != "" {
			line += " (" + string(e.CompletionReason) + ")"
		}
		fmt.Fprintln(out, line)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  debatectl start --topic "..." --participants "a,b" [--judge j] [--preset p] [--threshold 80] [--context "..."]`)
	fmt.Fprintln(os.Stderr, "  debatectl cancel")
	fmt.Fprintln(os.Stderr, "  debatectl status")
	fmt.Fprintln(os.Stderr, "  debatectl list [--limit n]")
	fmt.Fprintln(os.Stderr, `  debatectl get --id "..."`)
	fmt.Fprintln(os.Stderr, "Environment: NATS_URL (default nats://localhost:4222), NATS_TOKEN")
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	err := run(natsURL, os.Args[1:], os.Stdout)
	if errors.Is(err, errUsage) {
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
