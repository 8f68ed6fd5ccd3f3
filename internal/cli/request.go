package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rescale/rest-dispatch/internal/api"
	"github.com/rescale/rest-dispatch/internal/dispatch"
)

// requestFlags are the options of the request command.
type requestFlags struct {
	data    string
	query   []string
	headers []string
	files   []string
	reason  string
	noAuth  bool
	raw     bool
}

// newRequestCmd creates the 'request' command.
func newRequestCmd() *cobra.Command {
	var f requestFlags

	cmd := &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Send a single API request",
		Long: `Send one request through the rate limit dispatcher and print the answer.

PATH is relative to the versioned API root, e.g. /channels/123/messages.
JSON answers are pretty printed on stdout; errors are printed on stderr
and the command exits non-zero.

Examples:
  rest-dispatch request GET /gateway
  rest-dispatch request POST /channels/123/messages --data '{"content":"hi"}'
  rest-dispatch request POST /channels/123/messages --data @message.json --file image.png
  rest-dispatch request DELETE /channels/123/messages/456 --reason "spam"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := getAPIClient()
			if err != nil {
				return err
			}

			opts, err := f.options()
			if err != nil {
				return err
			}

			res, err := client.Request(GetContext(cmd), strings.ToUpper(args[0]), args[1], opts)
			if err != nil {
				return describeError(err)
			}

			GetLogger().Debug().Int("status", res.Status).Int("bytes", len(res.Body)).Msg("Request finished")
			return writeResult(cmd.OutOrStdout(), res, f.raw)
		},
	}

	cmd.Flags().StringVarP(&f.data, "data", "d", "", "JSON body, or @file to read it from a file")
	cmd.Flags().StringArrayVarP(&f.query, "query", "q", nil, "Query parameter key=value (repeatable)")
	cmd.Flags().StringArrayVarP(&f.headers, "header", "H", nil, "Extra header 'Name: value' (repeatable)")
	cmd.Flags().StringArrayVarP(&f.files, "file", "F", nil, "File to attach (repeatable)")
	cmd.Flags().StringVar(&f.reason, "reason", "", "Audit log reason")
	cmd.Flags().BoolVar(&f.noAuth, "no-auth", false, "Do not send the Authorization header")
	cmd.Flags().BoolVar(&f.raw, "raw", false, "Print the body exactly as received")

	return cmd
}

// options converts the flags into request options.
func (f *requestFlags) options() (*api.RequestOptions, error) {
	opts := &api.RequestOptions{
		Reason:   f.reason,
		SkipAuth: f.noAuth,
	}

	if f.data != "" {
		data := []byte(f.data)
		if strings.HasPrefix(f.data, "@") {
			var err error
			data, err = os.ReadFile(strings.TrimPrefix(f.data, "@"))
			if err != nil {
				return nil, fmt.Errorf("failed to read body: %w", err)
			}
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("--data is not valid JSON")
		}
		opts.Body = json.RawMessage(data)
	}

	if len(f.query) > 0 {
		opts.Query = url.Values{}
		for _, kv := range f.query {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				return nil, fmt.Errorf("invalid query parameter %q, expected key=value", kv)
			}
			opts.Query.Add(key, value)
		}
	}

	if len(f.headers) > 0 {
		opts.Headers = http.Header{}
		for _, h := range f.headers {
			name, value, ok := strings.Cut(h, ":")
			if !ok || strings.TrimSpace(name) == "" {
				return nil, fmt.Errorf("invalid header %q, expected 'Name: value'", h)
			}
			opts.Headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}

	for _, path := range f.files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment: %w", err)
		}
		opts.Files = append(opts.Files, dispatch.Attachment{
			Name:        filepath.Base(path),
			Data:        data,
			ContentType: mime.TypeByExtension(filepath.Ext(path)),
		})
	}

	return opts, nil
}

// writeResult prints a result body, indenting JSON unless raw is set.
func writeResult(w io.Writer, res *dispatch.Result, raw bool) error {
	if len(res.Body) == 0 {
		return nil
	}
	if res.JSON && !raw {
		var buf bytes.Buffer
		if err := json.Indent(&buf, res.Body, "", "  "); err == nil {
			buf.WriteByte('\n')
			_, err = w.Write(buf.Bytes())
			return err
		}
	}
	_, err := w.Write(res.Body)
	return err
}

// describeError adds the error name and status the way they are reported.
func describeError(err error) error {
	if status := api.StatusCode(err); status != 0 {
		return fmt.Errorf("%s (%d): %w", api.ErrorName(err), status, err)
	}
	return fmt.Errorf("%s: %w", api.ErrorName(err), err)
}
