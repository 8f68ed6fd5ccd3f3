package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/rest-dispatch/internal/api"
	"github.com/rescale/rest-dispatch/internal/constants"
	"github.com/rescale/rest-dispatch/internal/progress"
)

// batchLine is one request of a batch file.
type batchLine struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Query  url.Values      `json:"query,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// batchResult is printed for every line, in input order.
type batchResult struct {
	Line   int             `json:"line"`
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Status int             `json:"status,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// newBatchCmd creates the 'batch' command.
func newBatchCmd() *cobra.Command {
	var (
		concurrency int
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "batch FILE",
		Short: "Send many requests from a JSON lines file",
		Long: `Send every request of a JSON lines file through one dispatcher.

Each line is an object with method, path and optional query, body and
reason. Requests run concurrently; the dispatcher keeps each bucket in
order and under its limits. One result object per line is printed on
stdout in input order. Use - to read from stdin.

Example line:
  {"method":"POST","path":"/channels/123/messages","body":{"content":"hi"}}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency < 1 {
				return fmt.Errorf("--concurrency must be at least 1")
			}

			lines, err := readBatchFile(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			client, _, err := getAPIClient()
			if err != nil {
				return err
			}

			var reporter progress.Reporter = progress.NewCLIProgress(cmd.ErrOrStderr())
			if quiet {
				reporter = progress.NewNoOpProgress()
			}
			reporter.Start(int64(len(lines)), "Sending requests")
			results, failed := runBatch(cmd, client, lines, concurrency, func() { reporter.Add(1) })
			reporter.Finish()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, r := range results {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d requests failed", failed, len(lines))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&concurrency, "concurrency", "n", 8, "Maximum requests in flight")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Hide the progress bar")

	return cmd
}

// runBatch submits every line and returns the results in input order.
func runBatch(cmd *cobra.Command, client *api.Client, lines []numberedLine, concurrency int, done func()) ([]batchResult, int) {
	results := make([]batchResult, len(lines))
	var failed atomic.Int32

	g, ctx := errgroup.WithContext(GetContext(cmd))
	g.SetLimit(concurrency)

	for i, line := range lines {
		g.Go(func() error {
			defer done()

			r := batchResult{Line: line.number, Method: line.Method, Path: line.Path}
			opts := &api.RequestOptions{Query: line.Query, Reason: line.Reason}
			if len(line.Body) > 0 {
				opts.Body = line.Body
			}

			res, err := client.Request(ctx, line.Method, line.Path, opts)
			if err != nil {
				failed.Add(1)
				r.Status = api.StatusCode(err)
				r.Error = err.Error()
			} else {
				r.Status = res.Status
				if res.JSON && json.Valid(res.Body) {
					r.Body = res.Body
				}
			}
			results[i] = r

			// Only an interrupt stops the batch
			return ctx.Err()
		})
	}
	_ = g.Wait()

	return results, int(failed.Load())
}

type numberedLine struct {
	batchLine
	number int
}

// readBatchFile parses a JSON lines file. Blank lines and lines starting
// with # are skipped.
func readBatchFile(stdin io.Reader, path string) ([]numberedLine, error) {
	in := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open batch file: %w", err)
		}
		defer f.Close()
		in = f
	}

	var lines []numberedLine
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), constants.ServerMaxRequestBodySize)
	for n := 1; scanner.Scan(); n++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var line batchLine
		if err := json.Unmarshal([]byte(text), &line); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		if line.Path == "" {
			return nil, fmt.Errorf("line %d: path is required", n)
		}
		line.Method = strings.ToUpper(line.Method)
		if line.Method == "" {
			line.Method = "GET"
		}
		lines = append(lines, numberedLine{batchLine: line, number: n})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	return lines, nil
}
