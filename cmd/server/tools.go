package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/spf13/cobra"

	"sdvault/internal/logger"
	"sdvault/internal/tindex"
)

func newIngestCmd() *cobra.Command {
	var start, end uint32
	var segment bool
	c := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Store one TS file as a chunk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, cleanup, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			chunk, err := st.SaveChunk(ctx, start, end, data)
			if err != nil {
				return err
			}
			logger.Info("chunk stored", "path", chunk.FilePath, "duration", chunk.Duration())
			if segment {
				return st.SaveSegment(start, end)
			}
			return nil
		},
	}
	c.Flags().Uint32Var(&start, "start", 0, "chunk start, UTC seconds")
	c.Flags().Uint32Var(&end, "end", 0, "chunk end, UTC seconds")
	c.Flags().BoolVar(&segment, "segment", false, "also record the window as a segment")
	_ = c.MarkFlagRequired("start")
	_ = c.MarkFlagRequired("end")
	return c
}

func newInspectCmd() *cobra.Command {
	var events, records bool
	c := &cobra.Command{
		Use:   "inspect",
		Short: "Print store statistics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			st, cleanup, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			out := map[string]any{}
			if out["stats"], err = st.Stats(); err != nil {
				return err
			}
			if events {
				if out["events"], err = st.AllEvents(); err != nil {
					return err
				}
			}
			if records {
				recs, err := st.ChunkIndex().ReadRecords(0, math.MaxInt32)
				if err != nil && !errors.Is(err, tindex.ErrEmptyLog) {
					return err
				}
				lines := make([]string, 0, len(recs))
				for _, r := range recs {
					lines = append(lines, r.String())
				}
				out["chunks"] = lines
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&events, "events", false, "include every segment with its availability")
	c.Flags().BoolVar(&records, "records", false, "include the chunk index records")
	return c
}
