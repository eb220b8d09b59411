package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zzenonn/shardb/internal/database"
	"github.com/zzenonn/shardb/internal/record"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the dataset's shard files if they do not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDatabase()
		if err != nil {
			return err
		}
		defer d.Close()
		fmt.Printf("Dataset %s ready with %d shards in %s\n", cfg.Database.Dataset, d.ShardCount(), cfg.Database.DataPath())
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report shard sizes and record counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDatabase()
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := d.Stats(cmd.Context())
		if err != nil {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
		return res.Err()
	},
}

var insertCmd = &cobra.Command{
	Use:   "insert [file]",
	Short: "Insert NDJSON records from a file or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = os.Stdin
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("error opening file: %w", err)
			}
			defer f.Close()
			in = f
		}
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		if batchSize < 1 {
			return fmt.Errorf("--batch-size must be positive")
		}

		d, err := openDatabase()
		if err != nil {
			return err
		}
		defer d.Close()

		var inserted, skipped int
		batch := make([]record.Document, 0, batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			res, err := d.Insert(cmd.Context(), batch)
			if err != nil {
				return err
			}
			inserted += res.Inserted
			batch = batch[:0]
			return res.Err()
		}

		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), cfg.Database.MaxLineBytes)
		line := 0
		for sc.Scan() {
			line++
			rec := record.Parse(line, sc.Bytes())
			switch rec.Kind {
			case record.Blank:
				continue
			case record.Malformed:
				fmt.Fprintf(os.Stderr, "line %d skipped: %v\n", line, rec.Err)
				skipped++
				continue
			}
			batch = append(batch, rec.Value)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("error reading input: %w", err)
		}
		if err := flush(); err != nil {
			return err
		}
		fmt.Printf("Inserted %d records (%d skipped)\n", inserted, skipped)
		return nil
	},
}

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Print matching records as NDJSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		where, _ := cmd.Flags().GetStringArray("where")
		fields, _ := cmd.Flags().GetStringSlice("fields")
		sel, err := whereSelector(where)
		if err != nil {
			return err
		}

		d, err := openDatabase()
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := d.Select(cmd.Context(), sel, fieldsProjector(fields))
		if err != nil {
			return err
		}
		w := bufio.NewWriter(os.Stdout)
		for _, doc := range res.Docs {
			line, err := record.Serialize(doc)
			if err != nil {
				return err
			}
			if _, err := w.Write(line); err != nil {
				return err
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
		reportErrors(res.Summary)
		return res.Err()
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Merge a JSON patch into matching records",
	RunE: func(cmd *cobra.Command, args []string) error {
		where, _ := cmd.Flags().GetStringArray("where")
		patchText, _ := cmd.Flags().GetString("merge")
		unset, _ := cmd.Flags().GetStringSlice("unset")
		sel, err := whereSelector(where)
		if err != nil {
			return err
		}

		patch := record.Document{}
		if patchText != "" {
			if err := json.Unmarshal([]byte(patchText), &patch); err != nil {
				return fmt.Errorf("--merge must be a JSON object: %w", err)
			}
		}
		if len(patch) == 0 && len(unset) == 0 {
			return fmt.Errorf("nothing to update, pass --merge or --unset")
		}

		d, err := openDatabase()
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := d.Update(cmd.Context(), sel, mergeUpdater(patch, unset))
		if err != nil {
			return err
		}
		fmt.Printf("Updated %d records, %d unchanged\n", res.Updated, res.Unchanged)
		reportErrors(res.Summary)
		return res.Err()
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete matching records",
	RunE: func(cmd *cobra.Command, args []string) error {
		where, _ := cmd.Flags().GetStringArray("where")
		all, _ := cmd.Flags().GetBool("all")
		if len(where) == 0 && !all {
			return fmt.Errorf("refusing to delete every record without --all")
		}
		sel, err := whereSelector(where)
		if err != nil {
			return err
		}

		d, err := openDatabase()
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := d.Delete(cmd.Context(), sel)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d records, %d retained\n", res.Deleted, res.Retained)
		reportErrors(res.Summary)
		return res.Err()
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Group matching records and report per-field statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		where, _ := cmd.Flags().GetStringArray("where")
		groupBy, _ := cmd.Flags().GetString("group-by")
		fields, _ := cmd.Flags().GetStringSlice("fields")
		if groupBy == "" {
			return fmt.Errorf("--group-by is required")
		}
		sel, err := whereSelector(where)
		if err != nil {
			return err
		}

		d, err := openDatabase()
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := d.Aggregate(cmd.Context(), sel, groupIndexer(groupBy), fieldsProjector(fields))
		if err != nil {
			return err
		}
		if err := printJSON(res.Groups); err != nil {
			return err
		}
		reportErrors(res.Summary)
		return res.Err()
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build and query field indexes",
}

var indexBuildCmd = &cobra.Command{
	Use:   "build [field]",
	Short: "Index a field, given as a gjson path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		where, _ := cmd.Flags().GetStringArray("where")
		var sel func(record.Document) bool
		if len(where) > 0 {
			s, err := whereSelector(where)
			if err != nil {
				return err
			}
			sel = s
		}

		d, err := openDatabase()
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := d.BuildIndex(cmd.Context(), args[0], sel)
		if err != nil {
			return err
		}
		if res.Index == nil {
			reportErrors(res.Summary)
			return res.Err()
		}
		fmt.Printf("Indexed %d records (%d distinct values) into %s\n", res.Indexed, len(res.Index.Values), res.Path)
		reportErrors(res.Summary)
		return nil
	},
}

var indexGetCmd = &cobra.Command{
	Use:   "get [field] [json-value]",
	Short: "Print the shard lines holding a value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDatabase()
		if err != nil {
			return err
		}
		defer d.Close()

		ix, err := d.LoadIndex(args[0])
		if err != nil {
			return err
		}
		key, err := record.Canonical(parseLiteral(args[1]))
		if err != nil {
			return err
		}
		return printJSON(ix.Lookup(key))
	},
}

func resizeCommand(use, short string, args cobra.PositionalArgs, run func(cmd *cobra.Command, d *database.Database, args []string) (database.ResizeResult, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDatabase()
			if err != nil {
				return err
			}
			defer d.Close()

			res, err := run(cmd, d, args)
			if err != nil {
				return err
			}
			fmt.Printf("Resized %s from %d to %d shards (%d lines in %s)\n", cfg.Database.Dataset, res.From, res.To, res.Lines, res.Elapsed)
			return nil
		},
	}
}

var resizeCmd = resizeCommand("resize [shards]", "Redistribute every record over a new shard count", cobra.ExactArgs(1),
	func(cmd *cobra.Command, d *database.Database, args []string) (database.ResizeResult, error) {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return database.ResizeResult{}, fmt.Errorf("invalid shard count %q", args[0])
		}
		return d.Resize(cmd.Context(), n)
	})

var growCmd = resizeCommand("grow", "Add one shard", cobra.NoArgs,
	func(cmd *cobra.Command, d *database.Database, _ []string) (database.ResizeResult, error) {
		return d.Grow(cmd.Context())
	})

var shrinkCmd = resizeCommand("shrink", "Remove one shard", cobra.NoArgs,
	func(cmd *cobra.Command, d *database.Database, _ []string) (database.ResizeResult, error) {
		return d.Shrink(cmd.Context())
	})

var dropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Delete every shard and index file of the dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to drop %s without --yes", cfg.Database.Dataset)
		}
		d, err := openDatabase()
		if err != nil {
			return err
		}
		if err := d.Drop(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Dataset %s dropped\n", cfg.Database.Dataset)
		return nil
	},
}

// reportErrors prints per-line errors and shard failures to stderr.
func reportErrors(s database.Summary) {
	for _, e := range s.ErrorEntries {
		fmt.Fprintf(os.Stderr, "shard %d line %d: %s\n", e.Shard, e.Line, e.Message)
	}
	for _, f := range s.Failures {
		fmt.Fprintf(os.Stderr, "%v\n", f)
	}
}

func init() {
	for _, c := range []*cobra.Command{selectCmd, updateCmd, deleteCmd, aggregateCmd, indexBuildCmd} {
		c.Flags().StringArrayP("where", "w", nil, "Condition <path><op><value>, op one of = != > >= < <= (repeatable)")
	}
	selectCmd.Flags().StringSlice("fields", nil, "Only output these paths")
	aggregateCmd.Flags().StringSlice("fields", nil, "Accumulate only these paths")
	aggregateCmd.Flags().String("group-by", "", "Path to group records by")
	updateCmd.Flags().String("merge", "", "JSON object deep merged into each matching record")
	updateCmd.Flags().StringSlice("unset", nil, "Top level keys removed from each matching record")
	deleteCmd.Flags().Bool("all", false, "Allow deleting without --where")
	insertCmd.Flags().Int("batch-size", 1000, "Records per insert batch")
	dropCmd.Flags().Bool("yes", false, "Confirm dropping the dataset")

	indexCmd.AddCommand(indexBuildCmd)
	indexCmd.AddCommand(indexGetCmd)

	rootCmd.AddCommand(initCmd, statsCmd, insertCmd, selectCmd, updateCmd, deleteCmd, aggregateCmd, indexCmd, resizeCmd, growCmd, shrinkCmd, dropCmd)
}
