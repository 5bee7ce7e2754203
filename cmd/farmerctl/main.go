// farmerctl is the operator CLI for a running farmer daemon, speaking the
// control API over HTTP.
//
// Usage:
//
//	farmerctl [-addr http://localhost:8787] status
//	farmerctl trip [reason]
//	farmerctl reset <token>
//	farmerctl pause <task-id>
//	farmerctl resume <task-id>
//	farmerctl rebalance now
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"

	"airdrop-farmer/internal/api"
	"airdrop-farmer/pkg/types"
)

// Exit codes: 0 success, 2 usage error, 3 request or server failure.
const (
	exitOK      = 0
	exitUsage   = 2
	exitRequest = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("farmerctl", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	addr := fs.String("addr", "http://localhost:8787", "base URL of the farmer operator API")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: farmerctl [-addr URL] <status|trip|reset|pause|resume|rebalance> [args]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return exitUsage
	}

	client := resty.New().
		SetBaseURL(*addr).
		SetTimeout(10 * time.Second)

	cmd, rest := rest[0], rest[1:]
	switch cmd {
	case "status":
		return status(client)
	case "trip":
		var reason string
		if len(rest) > 0 {
			reason = rest[0]
		}
		return post(client, "/api/circuit/trip", api.TripRequest{Reason: reason})
	case "reset":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: farmerctl reset <token>")
			return exitUsage
		}
		return post(client, "/api/circuit/reset", api.ResetRequest{Token: rest[0]})
	case "pause", "resume":
		if len(rest) != 1 {
			fmt.Fprintf(os.Stderr, "usage: farmerctl %s <task-id>\n", cmd)
			return exitUsage
		}
		return post(client, "/api/tasks/"+rest[0]+"/"+cmd, nil)
	case "rebalance":
		if len(rest) != 1 || rest[0] != "now" {
			fmt.Fprintln(os.Stderr, "usage: farmerctl rebalance now")
			return exitUsage
		}
		return post(client, "/api/rebalance", nil)
	default:
		fmt.Fprintf(os.Stderr, "farmerctl: unknown command %q\n", cmd)
		fs.Usage()
		return exitUsage
	}
}

// post sends a control request and prints the daemon's acknowledgement.
func post(client *resty.Client, path string, body any) int {
	var ack api.AckResponse
	var apiErr api.ErrorResponse
	req := client.R().SetResult(&ack).SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Post(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "farmerctl: request failed:", err)
		return exitRequest
	}
	if resp.IsError() {
		fmt.Fprintf(os.Stderr, "farmerctl: %s: %s\n", resp.Status(), apiErr.Error)
		return exitRequest
	}
	if ack.Detail != "" {
		fmt.Printf("%s: %s\n", ack.Status, ack.Detail)
	} else {
		fmt.Println(ack.Status)
	}
	return exitOK
}

func status(client *resty.Client) int {
	var st api.StatusResponse
	var apiErr api.ErrorResponse
	resp, err := client.R().SetResult(&st).SetError(&apiErr).Get("/api/status")
	if err != nil {
		fmt.Fprintln(os.Stderr, "farmerctl: request failed:", err)
		return exitRequest
	}
	if resp.IsError() {
		fmt.Fprintf(os.Stderr, "farmerctl: %s: %s\n", resp.Status(), apiErr.Error)
		return exitRequest
	}
	render(st)
	return exitOK
}

func render(st api.StatusResponse) {
	mode := "live"
	if st.DryRun {
		mode = "dry-run"
	}
	fmt.Printf("time         %s (%s)\n", st.Time.Format(time.RFC3339), mode)

	fmt.Printf("circuit      %s", st.Risk.State.Kind)
	if st.Risk.State.Reason != "" {
		fmt.Printf(" (%s)", st.Risk.State.Reason)
	}
	if !st.Risk.State.Since.IsZero() {
		fmt.Printf(" since %s", st.Risk.State.Since.Format(time.RFC3339))
	}
	fmt.Println()

	fmt.Printf("pnl 24h      $%s\n", st.Risk.Loss24hUSD.StringFixed(2))
	fmt.Printf("failures     %.0f%% of %d samples\n",
		st.Risk.FailureRate*100, st.Risk.WindowSamples)
	if st.Risk.OpenReservations > 0 {
		fmt.Printf("reserved     %d open", st.Risk.OpenReservations)
		protos := make([]string, 0, len(st.Risk.ReservedUSD))
		for p := range st.Risk.ReservedUSD {
			protos = append(protos, p)
		}
		sort.Strings(protos)
		for _, proto := range protos {
			fmt.Printf("  %s=$%s", proto, st.Risk.ReservedUSD[proto].StringFixed(2))
		}
		fmt.Println()
	}
	if len(st.Risk.GasLatched) > 0 {
		fmt.Printf("gas latched  %v\n", st.Risk.GasLatched)
	}

	fmt.Printf("scheduler    running=%d pending=%d backoff=%d runs=%d",
		st.Scheduler.Running, st.Scheduler.Pending, st.Scheduler.Backoff, st.Scheduler.Runs)
	if st.Scheduler.Draining {
		fmt.Print("  DRAINING")
	}
	fmt.Println()
	states := make([]string, 0, len(st.TaskCounts))
	for s := range st.TaskCounts {
		states = append(states, string(s))
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Printf("  %-18s %d\n", s, st.TaskCounts[types.TaskState(s)])
	}

	if st.Allocation != nil {
		fmt.Printf("allocation   %s @ %s", st.Allocation.Algorithm,
			st.Allocation.ComputedAt.Format(time.RFC3339))
		if st.PlanPending {
			fmt.Print("  (plan pending)")
		}
		fmt.Println()
		protos := make([]string, 0, len(st.Allocation.Weights))
		for p := range st.Allocation.Weights {
			protos = append(protos, p)
		}
		sort.Strings(protos)
		for _, proto := range protos {
			line := fmt.Sprintf("  %-18s %5.1f%%", proto, st.Allocation.Weights[proto]*100)
			if d, ok := st.Drift[proto]; ok {
				line += fmt.Sprintf("  drift %+5.1f%%", d*100)
			}
			fmt.Println(line)
		}
	} else {
		fmt.Println("allocation   none computed yet")
	}

	if len(st.BusDropped) > 0 {
		topics := make([]string, 0, len(st.BusDropped))
		for t := range st.BusDropped {
			topics = append(topics, t)
		}
		sort.Strings(topics)
		fmt.Printf("bus dropped ")
		for _, topic := range topics {
			fmt.Printf(" %s=%d", topic, st.BusDropped[topic])
		}
		fmt.Println()
	}
}
