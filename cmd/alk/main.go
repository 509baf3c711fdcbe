// alk - inspect and repair an ambulink console database from the shell.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ambulink/ambulink/internal/config"
	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/export"
	"github.com/ambulink/ambulink/internal/queue"
	"github.com/ambulink/ambulink/internal/state"
	"github.com/ambulink/ambulink/internal/storage"
)

var (
	// Config
	configPath string
	dataDir    string

	// Version
	version = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "alk",
		Short: "Ambulink console database tool",
		Long: `alk reads and writes the local console database directly.

Stop the ambulink daemon first when changing data, otherwise its
in-memory state will overwrite your edits on the next write.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")

	// Commands
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(setCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(clearCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// session is an opened database with state hydrated from it
type session struct {
	cfg   *config.Config
	db    *storage.DB
	local *storage.LocalStore
	store *state.Store
}

func open(ctx context.Context) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	if _, err := os.Stat(cfg.DBPath()); os.IsNotExist(err) {
		return nil, fmt.Errorf("no database at %s, start ambulink once to create it", cfg.DBPath())
	}

	db, err := storage.Open(storage.Config{Path: cfg.DBPath(), Driver: cfg.Storage.Driver})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	local := storage.NewLocalStore(db, storage.LocalOptions{QuotaBytes: cfg.Storage.QuotaBytes})
	store := state.New(state.Config{Node: "alk", Local: local})
	if err := store.Initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &session{cfg: cfg, db: db, local: local, store: store}, nil
}

func (s *session) Close() { s.db.Close() }

func printJSON(w io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// getCmd prints a slice
func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <slice>",
		Short: "Print a state slice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slice, err := core.ParseSlice(args[0])
			if err != nil {
				return err
			}
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			return printJSON(cmd.OutOrStdout(), s.store.Get(slice))
		},
	}
}

// setCmd replaces a slice from an argument or stdin
func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <slice> [json|-]",
		Short: "Replace a state slice",
		Long:  "Replace a state slice with the given JSON value. Reads stdin when the value is - or omitted.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			slice, err := core.ParseSlice(args[0])
			if err != nil {
				return err
			}

			var data []byte
			if len(args) == 2 && args[1] != "-" {
				data = []byte(args[1])
			} else {
				data, err = io.ReadAll(io.LimitReader(cmd.InOrStdin(), export.MaxImportSize))
				if err != nil {
					return err
				}
			}
			if !json.Valid(data) {
				return fmt.Errorf("%w: value is not valid JSON", core.ErrInvalidInput)
			}

			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.store.Update(cmd.Context(), slice, json.RawMessage(data)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ %s updated\n", slice)
			return nil
		},
	}
}

// keysCmd lists stored keys with sizes
func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List stored keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			keys, err := s.local.Keys()
			if err != nil {
				return err
			}
			for _, key := range keys {
				raw, _ := s.local.Get(key)
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %8d bytes\n", key, len(raw))
			}
			return nil
		},
	}
}

// queueCmd inspects and drains the offline write queue
func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the offline write queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			q, err := queue.Open(s.local, s.store, queue.Options{})
			if err != nil {
				return err
			}
			pending := q.Pending()
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
				return nil
			}
			for _, w := range pending {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s %-7s %s  %d bytes\n",
					w.EnqueuedAt.Format("2006-01-02 15:04:05"), w.Slice, w.Op, w.ID, len(w.Value))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Apply pending writes to local state",
		Long: `Apply pending writes to local state in order. Mirror pushes are left
to the daemon: its resync pushes every mirrored slice whose local clock is
newer than the remote copy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			q, err := queue.Open(s.local, s.store, queue.Options{})
			if err != nil {
				return err
			}
			sum, err := q.FlushAll(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d, skipped %d, superseded %d, remaining %d\n",
				sum.Applied, sum.Skipped, sum.Superseded, sum.Remaining)
			return err
		},
	})

	return cmd
}

// exportCmd writes a slice as JSON or CSV
func exportCmd() *cobra.Command {
	var format, out, status, from, to string

	cmd := &cobra.Command{
		Use:   "export <slice>",
		Short: "Export a slice as JSON or CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slice, err := core.ParseSlice(args[0])
			if err != nil {
				return err
			}
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			filter, err := export.ParseFilter(from, to, status)
			if err != nil {
				return err
			}

			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			w := cmd.OutOrStdout()
			if out != "" {
				file, err := os.Create(out)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}
			return export.New(s.store, nil, nil).Write(w, slice, f, filter)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "json or csv")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&status, "status", "", "only records with this status")
	cmd.Flags().StringVar(&from, "from", "", "created on or after (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "created on or before (RFC3339 or YYYY-MM-DD)")
	return cmd
}

// confirm asks on a terminal, refusing when stdin is not one
func confirm(prompt string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}
	fmt.Printf("%s [y/N] ", prompt)
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// clearCmd wipes the local database
func clearCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !confirm("⚠️  Delete all local console data, including queued writes?") {
				return fmt.Errorf("aborted (use --yes when not on a terminal)")
			}

			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.local.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "🗑️  Local data cleared.")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

// statusCmd summarizes the database
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show database status",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			used, quota, err := s.local.Usage()
			if err != nil {
				return err
			}
			q, err := queue.Open(s.local, s.store, queue.Options{})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "📁 Database: %s (%s)\n", s.cfg.DBPath(), s.db.Driver())
			fmt.Fprintf(w, "💾 Usage:    %d / %d bytes\n", used, quota)
			fmt.Fprintf(w, "📬 Queued:   %d writes\n", q.Len())
			for _, slice := range core.AllSlices() {
				if slice == core.SliceSettings {
					continue
				}
				var items []json.RawMessage
				s.store.GetInto(slice, &items)
				fmt.Fprintf(w, "   %-12s %d records\n", slice, len(items))
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "alk %s\n", version)
		},
	}
}
