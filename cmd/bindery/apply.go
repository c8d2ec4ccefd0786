package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func applyCmd() *cobra.Command {
	var (
		serverURL string
		file      string
	)

	cmd := &cobra.Command{
		Use:   "apply [path=value ...]",
		Short: "Apply state writes to a running server",
		Long: `Send a batch of writes to a running bindery server.

Writes can be given as path=value arguments, where the value is
parsed as JSON (falling back to a plain string), or as a JSON file
of {"path": ..., "value": ...} objects via --file. The batch is
applied as a single update cycle.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := buildWriteBatch(args, file)
			if err != nil {
				return err
			}

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Post(
				strings.TrimRight(serverURL, "/")+"/state",
				"application/json",
				bytes.NewReader(body),
			)
			if err != nil {
				return fmt.Errorf("post writes: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusNoContent {
				msg, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("server rejected writes (%d): %s",
					resp.StatusCode, strings.TrimSpace(string(msg)))
			}
			fmt.Println("applied")
			return nil
		},
	}

	cmd.Flags().StringVarP(&serverURL, "server", "S", "http://localhost:8080", "Server base URL")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the write batch from a JSON file (- for stdin)")

	return cmd
}

type writeEntry struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// buildWriteBatch assembles the request body from --file or from
// path=value arguments.
func buildWriteBatch(args []string, file string) ([]byte, error) {
	if file != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("--file and path=value arguments are mutually exclusive")
		}
		var data []byte
		var err error
		if file == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(file)
		}
		if err != nil {
			return nil, fmt.Errorf("read batch: %w", err)
		}
		var batch []writeEntry
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
		return json.Marshal(batch)
	}

	if len(args) == 0 {
		return nil, fmt.Errorf("no writes given")
	}
	batch := make([]writeEntry, 0, len(args))
	for _, arg := range args {
		path, raw, ok := strings.Cut(arg, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("invalid write %q, expected path=value", arg)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		batch = append(batch, writeEntry{Path: path, Value: value})
	}
	return json.Marshal(batch)
}
