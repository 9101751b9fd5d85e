package main

import (
	"fmt"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/openmined/dirsync/internal/dirsync"
	"github.com/openmined/dirsync/internal/journal"
	"github.com/openmined/dirsync/internal/utils"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		asJSON bool
		all    bool
		limit  int
		match  string
	)

	historyCmd := &cobra.Command{
		Use:   "history [root]",
		Short: "Show recorded pushes, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if match != "" && !doublestar.ValidatePattern(match) {
				return fmt.Errorf("invalid --match pattern %q", match)
			}

			root := ""
			if !all {
				if len(args) > 0 {
					if root, err = utils.ResolvePath(args[0]); err != nil {
						return err
					}
				} else {
					root = cfg.Root
				}
			}
			cmd.SilenceUsage = true

			if cfg.JournalPath == "" {
				return fmt.Errorf("journal disabled")
			}
			j := journal.New(cfg.JournalPath)
			if err := j.Open(); err != nil {
				return err
			}
			defer j.Close()

			records, err := j.List(cmd.Context(), root, 0)
			if err != nil {
				return err
			}
			records = filterRecords(records, match, limit)

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pushes recorded")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), historyTable(records))
			return nil
		},
	}

	historyCmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	historyCmd.Flags().BoolVar(&all, "all", false, "show every root, not just the configured one")
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum records to show, 0 for all")
	historyCmd.Flags().StringVar(&match, "match", "", "only keys matching this glob, e.g. 'ckpt-node-*'")
	return historyCmd
}

func filterRecords(records []*dirsync.PushRecord, match string, limit int) []*dirsync.PushRecord {
	out := make([]*dirsync.PushRecord, 0, len(records))
	for _, rec := range records {
		if limit > 0 && len(out) >= limit {
			break
		}
		if match != "" {
			if ok, _ := doublestar.Match(match, rec.Key); !ok {
				continue
			}
		}
		out = append(out, rec)
	}
	return out
}

func historyTable(records []*dirsync.PushRecord) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("PUSHED", "KEY", "SIZE", "FILES", "HOST", "LOCATION")
	for _, rec := range records {
		t.Row(
			humanize.Time(rec.PushedAt),
			rec.Key,
			humanize.Bytes(uint64(rec.Size)),
			strconv.Itoa(rec.Files),
			rec.Host,
			rec.Location,
		)
	}
	return t.String()
}
