package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jward/ice"
	"github.com/spf13/cobra"
)

var (
	flagDB      string
	flagFormat  string
	flagVerbose bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "ice",
	Short:         "Incremental compilation engine",
	Long:          "ice maintains a persistent compile-time database of declarations, tracks fine-grained dependencies between them, and emits minimal code patches for live replacement.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagFormat != "json" && flagFormat != "text" {
			return fmt.Errorf("invalid format %q (expected json or text)", flagFormat)
		}
		return nil
	},
	// No Run — prints help by default.
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "ice.db", "database path")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "text", "output format: json|text")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(patchCmd)
	rootCmd.AddCommand(watchCmd)
}

func newEngine() (*ice.Engine, error) {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return ice.New(flagDB, ice.WithLogger(logger))
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild <file>...",
	Short: "Reindex files and invalidate affected fragments",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		for _, path := range args {
			res, err := eng.RebuildPath(path)
			if err != nil {
				return err
			}
			if flagFormat == "json" {
				if err := output(res); err != nil {
					return err
				}
			} else if res.NoOp {
				fmt.Printf("%s: unchanged\n", res.Path)
			} else {
				fmt.Printf("%s: epoch %d, +%d ~%d -%d, invalidated %d\n",
					res.Path, res.Epoch, len(res.Added), len(res.Changed), len(res.Removed), len(res.Dirtied))
			}
			for _, diag := range res.Diagnostics {
				fmt.Fprintf(os.Stderr, "warning: %s\n", diag)
			}
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database statistics and outstanding dirty fragments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		st, err := eng.Status()
		if err != nil {
			return err
		}
		if flagFormat == "json" {
			return output(st)
		}
		fmt.Printf("epoch      %d\n", st.Epoch)
		fmt.Printf("files      %d\n", st.Files)
		fmt.Printf("fragments  %d\n", st.Fragments)
		fmt.Printf("symbols    %d\n", st.Symbols)
		fmt.Printf("edges      %d\n", st.Edges)
		fmt.Printf("patches    %d\n", st.Patches)
		fmt.Printf("dirty      %d\n", st.Dirty)
		return nil
	},
}

var flagOut string

var patchCmd = &cobra.Command{
	Use:   "patch",
	Short: "Regenerate dirty fragments and emit a patch batch",
	Long:  "Regenerates code for every dirty fragment and writes the resulting patch batch in the loader wire format to --out (default stdout). Fragments whose regeneration fails stay dirty; their last committed patch remains in effect.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		patches, errs := eng.GeneratePatches()
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "warning: %s\n", err)
		}

		out := os.Stdout
		if flagOut != "" {
			f, err := os.Create(flagOut)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		if err := eng.WritePatches(out, patches); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%d patches, %d failures\n", len(patches), len(errs))
		return nil
	},
}

func init() {
	patchCmd.Flags().StringVar(&flagOut, "out", "", "write the patch batch to this file instead of stdout")
}

var flagExt string

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Rebuild files as they change on disk",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := "."
		if len(args) == 1 {
			root = args[0]
		}
		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := eng.Watch(ctx, root, flagExt); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&flagExt, "ext", ".json", "file extension to watch")
}

func output(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
