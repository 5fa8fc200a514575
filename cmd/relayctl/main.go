// Command relayctl is an HTTP client for relayd's control surface,
// grounded on elemta's cmd/elemta-queue tool's list/view/retry/delete
// command surface, adapted from a direct queue-directory reader into an
// HTTP client of the control API and rebuilt on spf13/cobra to match
// relayd's own CLI framework.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var serverAddr string

func main() {
	rootCmd := &cobra.Command{
		Use:   "relayctl",
		Short: "relayctl operates a running relayd instance",
	}
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8081", "relayd control surface base URL")

	rootCmd.AddCommand(
		statusCmd(),
		totalsCmd(),
		queueCmd(),
		freezeCmd(),
		sendCmd(),
		removeCmd(),
		annotateCmd(),
		reapCmd(),
		recoverCmd(),
		setConcurrencyCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-queue entry counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := get(serverAddr + "/api/v1/status")
			if err != nil {
				return err
			}
			var stats []struct {
				Queue string
				Count int
			}
			if err := json.Unmarshal(body, &stats); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tCOUNT")
			for _, s := range stats {
				fmt.Fprintf(tw, "%s\t%d\n", s.Queue, s.Count)
			}
			return tw.Flush()
		},
	}
}

func totalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "totals",
		Short: "Show lifetime delivered/frozen/deferred counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := get(serverAddr + "/api/v1/totals")
			if err != nil {
				return err
			}
			var totals struct {
				Delivered int64
				Frozen    int64
				Deferred  int64
			}
			if err := json.Unmarshal(body, &totals); err != nil {
				return err
			}
			fmt.Printf("delivered\t%d\nfrozen\t%d\ndeferred\t%d\n", totals.Delivered, totals.Frozen, totals.Deferred)
			return nil
		},
	}
}

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue [active|frozen|removed|quarantine]",
		Short: "List entry IDs in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := get(serverAddr + "/api/v1/queue/" + args[0])
			if err != nil {
				return err
			}
			var ids []string
			if err := json.Unmarshal(body, &ids); err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func freezeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "freeze <message-id>",
		Short: "Move a message to the frozen queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return post(serverAddr + "/api/v1/message/" + args[0] + "/freeze")
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <message-id>",
		Short: "Mark a message for immediate delivery on the next tick",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return post(serverAddr + "/api/v1/message/" + args[0] + "/send")
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <message-id>",
		Short: "Move a message to the removed queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return post(serverAddr + "/api/v1/message/" + args[0] + "/remove")
		},
	}
}

func annotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "annotate <message-id> <key> <value>",
		Short: "Stamp an operator annotation onto a message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, _ := json.Marshal(map[string]string{"key": args[1], "value": args[2]})
			_, err := postBody(serverAddr+"/api/v1/message/"+args[0]+"/annotate", payload)
			return err
		},
	}
}

func reapCmd() *cobra.Command {
	var maxAgeSeconds int
	cmd := &cobra.Command{
		Use:   "reap [active|frozen|removed|quarantine]",
		Short: "Unlink entries older than max-age from a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, _ := json.Marshal(map[string]int{"max_age_seconds": maxAgeSeconds})
			body, err := postBody(serverAddr+"/api/v1/queue/"+args[0]+"/reap", payload)
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
	cmd.Flags().IntVar(&maxAgeSeconds, "max-age-seconds", 7*24*3600, "reap entries older than this many seconds")
	return cmd
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reset any Sending entries back to Send_now",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := postBody(serverAddr+"/api/v1/recover", nil)
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
}

func setConcurrencyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-max-concurrency <n>",
		Short: "Change the delivery loop's concurrent send job bound",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid concurrency %q: %w", args[0], err)
			}
			payload, _ := json.Marshal(map[string]int{"max": n})
			req, err := http.NewRequest(http.MethodPut, serverAddr+"/api/v1/config/max_concurrent_send_jobs", newReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return fmt.Errorf("server returned %s", resp.Status)
			}
			return nil
		},
	}
}

func get(url string) ([]byte, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, body)
	}
	return body, nil
}

func post(url string) error {
	_, err := postBody(url, nil)
	return err
}

func postBody(url string, payload []byte) ([]byte, error) {
	resp, err := http.Post(url, "application/json", newReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, body)
	}
	return body, nil
}

func newReader(payload []byte) io.Reader {
	if payload == nil {
		return http.NoBody
	}
	return bytes.NewReader(payload)
}
