/*
Command slogctl is the operator CLI: it dials one machine's Server
endpoint and issues a single txn/stats/metrics call (spec §6).
*/
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bdeggleston/slogdb/internal/server"
	"github.com/bdeggleston/slogdb/pkg/client"
)

func main() {
	var addr string
	var timeout time.Duration

	root := &cobra.Command{
		Use:   "slogctl",
		Short: "talks to a slogdb Server endpoint",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:7000", "Server address (host:port)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")

	root.AddCommand(newTxnCmd(&addr, &timeout))
	root.AddCommand(newStatsCmd(&addr, &timeout))
	root.AddCommand(newMetricsCmd(&addr, &timeout))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dial(addr string, timeout time.Duration) (*client.Client, error) {
	c, err := client.Dial(addr)
	if err != nil {
		return nil, err
	}
	c.SetTimeout(timeout)
	return c, nil
}

func newTxnCmd(addr *string, timeout *time.Duration) *cobra.Command {
	var repeat int
	var noWait bool

	cmd := &cobra.Command{
		Use:   "txn <json-file>",
		Short: "submits a transaction read from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("slogctl: reading %s: %w", args[0], err)
			}
			var tr server.TxnRequest
			if err := json.Unmarshal(body, &tr); err != nil {
				return fmt.Errorf("slogctl: parsing %s: %w", args[0], err)
			}

			c, err := dial(*addr, *timeout)
			if err != nil {
				return err
			}
			defer c.Close()

			var wg sync.WaitGroup
			var failedMu sync.Mutex
			failed := false
			markFailed := func() {
				failedMu.Lock()
				failed = true
				failedMu.Unlock()
			}

			for i := 0; i < repeat; i++ {
				req := tr
				if i > 0 {
					req.Id = 0 // let the Server assign a fresh id on repeats
				}
				req.ClientRequestId = uuid.New().String()
				if noWait {
					fireAndForget(c, &req, &wg, markFailed)
					continue
				}
				result, err := c.SubmitTxn(&req)
				if err != nil {
					fmt.Fprintf(os.Stderr, "slogctl: submit failed: %v\n", err)
					markFailed()
					continue
				}
				printTxnResult(result)
				if result.Status != "COMMITTED" {
					markFailed()
				}
			}
			wg.Wait()
			if failed {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&repeat, "repeat", 1, "submit the same transaction this many times")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "submit without waiting for the result")
	return cmd
}

// fireAndForget submits a transaction on its own goroutine so the submit
// loop isn't held up waiting on its commit result, and no result is
// printed. Each goroutine still waits for its own reply (the Client
// serializes round trips on its one socket), and the command waits for
// all of them via wg before it exits.
func fireAndForget(c *client.Client, tr *server.TxnRequest, wg *sync.WaitGroup, markFailed func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := c.SubmitTxn(tr); err != nil {
			fmt.Fprintf(os.Stderr, "slogctl: submit failed: %v\n", err)
			markFailed()
		}
	}()
}

func printTxnResult(r *server.TxnResultJSON) {
	fmt.Printf("txn %d: %s", r.Id, r.Status)
	if r.AbortReason != "" {
		fmt.Printf(" (%s)", r.AbortReason)
	}
	fmt.Println()
	for _, line := range r.Trace {
		fmt.Printf("  %s\n", line)
	}
}

func newStatsCmd(addr *string, timeout *time.Duration) *cobra.Command {
	var level int

	cmd := &cobra.Command{
		Use:   "stats <module>",
		Short: "fetches one component's stats snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(*addr, *timeout)
			if err != nil {
				return err
			}
			defer c.Close()

			snap, err := c.Stats(args[0], level)
			if err != nil {
				fmt.Fprintf(os.Stderr, "slogctl: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(snap)
			return nil
		},
	}
	cmd.Flags().IntVar(&level, "level", 0, "verbosity level")
	return cmd
}

func newMetricsCmd(addr *string, timeout *time.Duration) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics [prefix]",
		Short: "flushes the Server's counters under prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			c, err := dial(*addr, *timeout)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Metrics(prefix); err != nil {
				fmt.Fprintf(os.Stderr, "slogctl: %v\n", err)
				os.Exit(1)
			}
			return nil
		},
	}
	return cmd
}
