package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dlovans/fieldcalc/pkg/format"
	"github.com/dlovans/fieldcalc/pkg/formula"
	"github.com/dlovans/fieldcalc/pkg/history"
	"github.com/dlovans/fieldcalc/pkg/ledger"
	"github.com/dlovans/fieldcalc/pkg/lint"
	"github.com/dlovans/fieldcalc/pkg/resolver"
	"github.com/dlovans/fieldcalc/pkg/schema"
)

func (a *app) evalCmd() *cobra.Command {
	var valuesPath string
	cmd := &cobra.Command{
		Use:   "eval FORMULA",
		Short: "Evaluate a formula against field values",
		Example: `  fieldcalc eval '{{price}} * {{quantity}}' --values values.json
  echo '{"start": "2024-02-10"}' | fieldcalc eval 'EOMONTH({{start}}, 0)' --values -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := map[string]any{}
			if valuesPath != "" {
				data, err := readInput(cmd, valuesPath)
				if err != nil {
					return err
				}
				if values, err = schema.LoadValues(data); err != nil {
					return err
				}
			}
			v, err := formula.Evaluate(args[0], values)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), v)
		},
	}
	cmd.Flags().StringVar(&valuesPath, "values", "", "JSON file of field values (- for stdin)")
	return cmd
}

type resolveOutput struct {
	Fields []resolver.FieldView     `json:"fields"`
	Update resolver.Update          `json:"update"`
	Errors []schema.ValidationError `json:"errors"`
}

func (a *app) resolveCmd() *cobra.Command {
	var (
		files   inputFiles
		edit    bool
		write   bool
		display bool
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve every field of a record",
		Long: `Resolve computes every field of a record in dependency order and
prints the effective values, the pending write-backs and validation errors.
With --write the write-backs are applied to the record file.`,
		Example: `  fieldcalc resolve --schema loan.jsonc --record L1.json --display
  fieldcalc resolve --schema loan.jsonc --record L1.json --profiles profiles.json --write`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgs, in, err := files.load(cmd)
			if err != nil {
				return err
			}
			in.EditMode = edit

			r := a.resolver()
			res := r.ResolveRecord(cfgs, in)
			if write && (!res.Update.Empty() || files.rewritten) {
				if err := a.writeRecord(files.record, resolver.Apply(in.Record, res.Update)); err != nil {
					return err
				}
				a.log.WithFields(logrus.Fields{
					"module":  "cli",
					"record":  files.record,
					"updated": len(res.Update.Values),
				}).Info("record updated")
			}
			if display {
				return a.printFields(cmd.OutOrStdout(), cfgs, res)
			}
			return writeJSON(cmd.OutOrStdout(), resolveOutput{
				Fields: res.View(),
				Update: res.Update,
				Errors: res.Errors,
			})
		},
	}
	files.register(cmd)
	cmd.Flags().BoolVar(&edit, "edit", false, "resolve in edit mode (frozen computed values stay frozen)")
	cmd.Flags().BoolVar(&write, "write", false, "apply write-backs to the record file")
	cmd.Flags().BoolVar(&display, "display", false, "print a formatted table instead of JSON")
	return cmd
}

// printFields renders resolutions with display masks for currency, phone and
// tax id fields.
func (a *app) printFields(out io.Writer, cfgs []schema.FieldConfig, res resolver.RecordResult) error {
	types := make(map[string]schema.FieldType, len(cfgs))
	for _, c := range cfgs {
		types[c.FieldName] = c.FieldType
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE\tSTATE")
	for _, f := range res.Fields {
		if !f.Visible {
			continue
		}
		state := string(f.State)
		if f.IsOverridden {
			state += " (overridden)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.Key, format.Value(types[f.Field], f.EffectiveValue, a.cfg.Engine.PhoneRegion), state)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "✗ %s\t%s\t\n", e.FieldID, e.Message)
	}
	return w.Flush()
}

func (a *app) historyCmd() *cobra.Command {
	var (
		recordPath string
		field      string
		exclude    []string
		asOf       string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List field changes across submission snapshots",
		Example: `  fieldcalc history --record L1.json
  fieldcalc history --record L1.json --field amount
  fieldcalc history --record L1.json --as-of 2025-03-01`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, recordPath)
			if err != nil {
				return err
			}
			rec, err := schema.LoadRecord(data)
			if err != nil {
				return err
			}
			for _, issue := range history.CheckSequence(rec.SubmissionSnapshots) {
				a.log.WithFields(logrus.Fields{
					"module": "cli",
					"index":  issue.Index,
				}).Warn(issue.Message)
			}

			if asOf != "" {
				at, err := parseDate(asOf)
				if err != nil {
					return err
				}
				snap, ok := history.AsOf(rec.SubmissionSnapshots, at)
				if !ok {
					return fmt.Errorf("no submission on or before %s", asOf)
				}
				return writeJSON(cmd.OutOrStdout(), snap)
			}
			if field != "" {
				events := history.ChangesForField(field, rec.SubmissionSnapshots, rec.Data)
				return writeJSON(cmd.OutOrStdout(), map[string][]history.ChangeEvent{field: events})
			}
			excluded := make(map[string]bool, len(exclude))
			for _, f := range exclude {
				excluded[f] = true
			}
			return writeJSON(cmd.OutOrStdout(), history.AllChanges(rec.SubmissionSnapshots, rec.Data, excluded))
		},
	}
	cmd.Flags().StringVar(&recordPath, "record", "-", "record file (- for stdin)")
	cmd.Flags().StringVar(&field, "field", "", "only report this field")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "additional fields to ignore")
	cmd.Flags().StringVar(&asOf, "as-of", "", "print the snapshot in effect at this date instead")
	return cmd
}

func (a *app) lintCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "lint [FILE]",
		Short: "Statically check a field configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			data, err := readInput(cmd, path)
			if err != nil {
				return err
			}
			result, err := lint.RunJSON(data)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, result); err != nil {
					return err
				}
			} else {
				printIssues(out, result)
			}
			if !result.Valid {
				return fmt.Errorf("%d lint errors", len(result.Errors()))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func printIssues(out io.Writer, result *lint.Result) {
	if len(result.Issues) == 0 {
		fmt.Fprintln(out, "✓ No issues found")
		return
	}
	for _, issue := range result.Issues {
		icon := "⚠"
		if issue.Severity == "error" {
			icon = "✗"
		}
		location := ""
		if issue.Field != "" {
			location = fmt.Sprintf(" [field: %s]", issue.Field)
		}
		fmt.Fprintf(out, "%s %s%s [%s]: %s\n", icon, issue.Severity, location, issue.Check, issue.Message)
	}
}

func (a *app) verifyCmd() *cobra.Command {
	var files inputFiles
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that a finalized record's computed fields match their rules",
		Long: `Verify replays every computed field of a record and reports the ones whose
stored value differs from the recomputed one. Overridden fields are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgs, in, err := files.load(cmd)
			if err != nil {
				return err
			}
			diffs := a.resolver().Audit(cfgs, in)
			out := cmd.OutOrStdout()
			if len(diffs) == 0 {
				fmt.Fprintln(out, "✓ Record verified: computed fields match their rules")
				return nil
			}
			for _, d := range diffs {
				fmt.Fprintf(out, "✗ %s: stored %v, computed %v\n", d.Key, d.Stored, d.Computed)
			}
			return fmt.Errorf("%d computed fields differ", len(diffs))
		},
	}
	files.register(cmd)
	return cmd
}

// inputFiles are the schema, record and profile paths shared by resolve and
// verify.
type inputFiles struct {
	schema   string
	record   string
	profiles string
	// rewritten is set by load when the record was normalized: legacy
	// override keys migrated or instance ids assigned.
	rewritten bool
}

func (f *inputFiles) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.schema, "schema", "", "field configuration file (JSON or JSONC)")
	cmd.Flags().StringVar(&f.record, "record", "-", "record file (- for stdin)")
	cmd.Flags().StringVar(&f.profiles, "profiles", "", "linked profile values by profile type")
	_ = cmd.MarkFlagRequired("schema")
}

func (f *inputFiles) load(cmd *cobra.Command) ([]schema.FieldConfig, resolver.Inputs, error) {
	var in resolver.Inputs

	data, err := os.ReadFile(f.schema)
	if err != nil {
		return nil, in, err
	}
	cfgs, err := schema.LoadConfigs(data)
	if err != nil {
		return nil, in, err
	}

	if data, err = readInput(cmd, f.record); err != nil {
		return nil, in, err
	}
	if in.Record, err = schema.LoadRecord(data); err != nil {
		return nil, in, err
	}
	if l, changed := ledger.MigrateLegacy(in.Record); changed {
		in.Record.OverriddenFields = l.Keys()
		f.rewritten = true
	}
	if in.Record.EnsureAllInstanceIDs() {
		f.rewritten = true
	}

	if f.profiles != "" {
		if data, err = os.ReadFile(f.profiles); err != nil {
			return nil, in, err
		}
		if in.Profiles, err = schema.LoadProfiles(data); err != nil {
			return nil, in, err
		}
	}
	return cfgs, in, nil
}

func (a *app) resolver() *resolver.Resolver {
	return resolver.New(
		resolver.WithCacheSize(a.cfg.Engine.FormulaCacheSize),
		resolver.WithLogger(a.log),
	)
}

func (a *app) writeRecord(path string, rec *schema.Record) error {
	if path == "" || path == "-" {
		return errors.New("--write needs a record file, not stdin")
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err == nil {
		return t, nil
	}
	t, err = time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, use YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}
