package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tomkotik/aimanager/internal/events"
	"github.com/tomkotik/aimanager/internal/harness"
)

const defaultURL = "http://localhost:8700"

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

// newTarget is replaced in tests.
var newTarget = func(baseURL string, timeout time.Duration) harness.Target {
	return harness.NewHTTPTarget(baseURL, timeout)
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("releasegate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	baseURL := fs.String("url", envOrDefault("AIMANAGER_URL", defaultURL), "aimanager base URL")
	agentID := fs.String("agent", os.Getenv("AGENT_ID"), "agent id under test")
	scenarios := fs.String("scenarios", "", "YAML scenario matrix (default: canonical cases)")
	jsonOut := fs.Bool("json", false, "print the gate report as JSON")
	timeout := fs.Duration("timeout", 2*time.Minute, "per-request timeout")
	natsURL := fs.String("nats", os.Getenv("NATS_URL"), "publish a release_gate_failed alert here on failure")
	if len(args) < 1 {
		args = []string{"releasegate"}
	}
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	if *agentID == "" {
		fmt.Fprintln(stderr, "-agent or AGENT_ID is required")
		fs.Usage()
		return 2
	}

	cases := harness.CanonicalScenarios()
	var vars map[string]string
	if *scenarios != "" {
		m, err := harness.LoadScenarios(*scenarios)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 2
		}
		cases = m.Scenarios
		vars = m.Vars
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report := harness.Run(ctx, cases, newTarget(*baseURL, *timeout), harness.Options{
		AgentID: *agentID,
		Vars:    vars,
	})

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintln(stderr, "encode report:", err)
			return 1
		}
	} else {
		printReport(stdout, report)
	}

	if report.Passed {
		return 0
	}

	if *natsURL != "" {
		if err := publishFailure(*natsURL, report); err != nil {
			fmt.Fprintln(stderr, "publish gate alert:", err)
		}
	}
	return 1
}

func printReport(w io.Writer, r harness.GateReport) {
	for _, c := range r.Cases {
		status := "PASS"
		if !c.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%s %s conversation=%s\n", status, c.Name, c.ConversationKey)
		for _, s := range c.Steps {
			for _, f := range s.Failures {
				fmt.Fprintf(w, "  step %d: %s\n", s.Index, f)
			}
		}
	}
	fmt.Fprintf(w, "passed=%t run_id=%s agent=%s duration=%s\n",
		r.Passed, r.RunID, r.AgentID, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}

func publishFailure(url string, r harness.GateReport) error {
	nc, err := nats.Connect(url, nats.Timeout(5*time.Second))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	a := events.Alert{
		Kind:    events.AlertGateFailed,
		AgentID: r.AgentID,
		Detail:  fmt.Sprintf("run %s failed: %s", r.RunID, strings.Join(r.Failed(), ", ")),
		At:      time.Now().UTC(),
	}
	if err := nc.Publish(a.Subject(), a.Marshal()); err != nil {
		return err
	}
	return nc.Flush()
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
