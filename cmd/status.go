package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"wfbase/wfetl/internal/normalize"
	"wfbase/wfetl/internal/pipeline"
)

var (
	statusJSON     bool
	statusErrWidth int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the last run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := loadRuntime()
		if err != nil {
			return err
		}

		st, err := pipeline.LoadRunState(rt.cfg.StateFile())
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("no run recorded in %s", rt.cfg.Paths.DataDir)
			}
			return err
		}

		out := cmd.OutOrStdout()
		if statusJSON {
			data, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return fmt.Errorf("serializing run state: %w", err)
			}
			fmt.Fprintln(out, string(data))
			return nil
		}
		printStatus(out, st, statusErrWidth)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw run state as JSON")
	statusCmd.Flags().IntVar(&statusErrWidth, "error-width", 120, "Truncate the error line to this many characters")
	rootCmd.AddCommand(statusCmd)
}

func printStatus(w io.Writer, st *pipeline.RunState, errWidth int) {
	fmt.Fprintf(w, "Run:       %s\n", st.RunID)
	fmt.Fprintf(w, "Command:   %s\n", st.Command)
	fmt.Fprintf(w, "State:     %s\n", st.State)
	fmt.Fprintf(w, "Started:   %s\n", formatTimestamp(st.StartedAt))
	if st.EndedAt != "" {
		fmt.Fprintf(w, "Ended:     %s (%s)\n", formatTimestamp(st.EndedAt), FormatDurationShort(st.Duration().Milliseconds()))
	}
	if st.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", truncateMiddle(st.Error, errWidth))
	}
	if len(st.Counts) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tRAW\tNORMALIZED\tDROPPED\tSTATEMENTS")
	for _, c := range normalize.Categories {
		sc, ok := st.Counts[string(c)]
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", c, sc.Raw, sc.Normalized, sc.Dropped, sc.Statements)
	}
	tw.Flush()
}
