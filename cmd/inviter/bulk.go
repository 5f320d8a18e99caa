package main

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"inviter/internal/app"
)

func newBulkCmd(opts *rootOptions) *cobra.Command {
	var (
		file    string
		channel string
	)
	cmd := &cobra.Command{
		Use:   "bulk --file targets.txt",
		Short: "Queue a batch of invites from a TXT or CSV file and print the batch id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			targets, err := readTargets(f, strings.EqualFold(filepath.Ext(file), ".csv"))
			_ = f.Close()
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withClient(opts, func(c *app.Client) error {
				id, err := c.Invites.SubmitBatch(ctx, channel, targets)
				if id != "" {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "TXT (one target per line) or CSV (first column) file")
	cmd.Flags().StringVar(&channel, "channel", "", "target channel (default: invite.channel_username)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

var csvHeaders = map[string]bool{"target": true, "phone": true, "username": true, "identifier": true}

// readTargets returns the raw identifiers of a bulk file. Blank lines and
// '#' comments are skipped; a CSV header row naming the column is dropped.
func readTargets(r io.Reader, isCSV bool) ([]string, error) {
	var out []string
	if isCSV {
		cr := csv.NewReader(r)
		cr.FieldsPerRecord = -1
		cr.TrimLeadingSpace = true
		cr.Comment = '#'
		for first := true; ; first = false {
			rec, err := cr.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
			if len(rec) == 0 {
				continue
			}
			v := strings.TrimSpace(rec[0])
			if v == "" || (first && csvHeaders[strings.ToLower(v)]) {
				continue
			}
			out = append(out, v)
		}
		return out, nil
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		v := strings.TrimSpace(sc.Text())
		if v == "" || strings.HasPrefix(v, "#") {
			continue
		}
		out = append(out, v)
	}
	return out, sc.Err()
}
