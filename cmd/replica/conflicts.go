package main

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/replicasync/replica/internal/model"
	"github.com/replicasync/replica/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "data",
	Short:   "List and settle conflicts the merge rules could not resolve",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open conflicts",
	Args:  cobra.NoArgs,
	RunE:  runConflictsList,
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Settle a conflict",
	Long: `Settle a conflict by keeping the local row, taking the server's row,
or dismissing it without touching data.

Without a choice flag an interactive prompt shows the differing fields.

Examples:
  replica conflicts resolve 3                 # interactive
  replica conflicts resolve 3 --keep-local    # re-upload the local row
  replica conflicts resolve 3 --take-server   # overwrite with the server row`,
	Args: cobra.ExactArgs(1),
	RunE: runConflictsResolve,
}

func init() {
	conflictsListCmd.Flags().Bool("all", false, "Include resolved conflicts")
	conflictsResolveCmd.Flags().Bool("keep-local", false, "Keep the local row and upload it")
	conflictsResolveCmd.Flags().Bool("take-server", false, "Replace the local row with the server row")
	conflictsResolveCmd.Flags().Bool("dismiss", false, "Close the conflict without changing data")
	conflictsResolveCmd.MarkFlagsMutuallyExclusive("keep-local", "take-server", "dismiss")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}

func runConflictsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	all, _ := cmd.Flags().GetBool("all")

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	conflicts, err := st.ListConflicts(ctx, !all)
	if err != nil {
		return err
	}
	if jsonOutput {
		if conflicts == nil {
			conflicts = []model.Conflict{}
		}
		outputJSON(conflicts)
		return nil
	}
	if len(conflicts) == 0 {
		printer.Success("no open conflicts")
		return nil
	}

	now := time.Now()
	headers := []string{"ID", "TABLE", "UUID", "AGE", "REASON"}
	if all {
		headers = append(headers, "RESOLUTION")
	}
	rows := make([][]string, 0, len(conflicts))
	for _, c := range conflicts {
		row := []string{
			strconv.FormatInt(c.ID, 10),
			c.TableName,
			c.RecordUUID,
			ui.Ago(c.CreatedAt, now),
			ui.Truncate(c.Reason, 50),
		}
		if all {
			row = append(row, printer.Status(resolutionLabel(c)))
		}
		rows = append(rows, row)
	}
	printer.Table(headers, rows)
	return nil
}

func resolutionLabel(c model.Conflict) string {
	if c.ResolvedAt == nil {
		return "conflict"
	}
	return c.Resolution
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid conflict id %q", args[0])
	}

	resolution := ""
	for flag, res := range map[string]string{
		"keep-local":  model.ResolutionKeepLocal,
		"take-server": model.ResolutionTakeServer,
		"dismiss":     model.ResolutionDismissed,
	} {
		if set, _ := cmd.Flags().GetBool(flag); set {
			resolution = res
		}
	}

	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.store.GetConflict(ctx, id)
	if err != nil {
		return err
	}
	if c.ResolvedAt != nil {
		return fmt.Errorf("conflict %d was already resolved (%s)", id, c.Resolution)
	}

	if resolution == "" {
		if jsonOutput || !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("choose one of --keep-local, --take-server or --dismiss")
		}
		resolution, err = promptResolution(c)
		if err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				printer.Warn("aborted")
				return nil
			}
			return err
		}
	}

	if err := a.engine.ResolveConflict(ctx, id, resolution); err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(map[string]any{"id": id, "resolution": resolution})
		return nil
	}
	printer.Success("conflict %d resolved: %s", id, resolution)
	return nil
}

func promptResolution(c model.Conflict) (string, error) {
	var b strings.Builder
	for _, d := range diffFields(c.LocalData, c.ServerData) {
		fmt.Fprintf(&b, "%s\n  local:  %s\n  server: %s\n", d.Field, d.Local, d.Server)
	}
	if b.Len() == 0 {
		b.WriteString("The rows are identical.")
	}

	choice := model.ResolutionKeepLocal
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(fmt.Sprintf("Conflict %d: %s/%s", c.ID, c.TableName, c.RecordUUID)).
				Description(c.Reason+"\n\n"+b.String()),
			huh.NewSelect[string]().
				Title("Resolution").
				Options(
					huh.NewOption("Keep local row (upload it again)", model.ResolutionKeepLocal),
					huh.NewOption("Take server row", model.ResolutionTakeServer),
					huh.NewOption("Dismiss (leave data as is)", model.ResolutionDismissed),
				).
				Value(&choice),
		),
	)
	if err := form.Run(); err != nil {
		return "", err
	}
	return choice, nil
}

type fieldDiff struct {
	Field  string
	Local  string
	Server string
}

// diffFields lists the domain fields whose values differ, by name.
func diffFields(local, server model.Record) []fieldDiff {
	names := make(map[string]bool)
	for k := range local {
		names[k] = true
	}
	for k := range server {
		names[k] = true
	}

	var diffs []fieldDiff
	for name := range names {
		switch name {
		case model.FieldUUID, model.FieldVersion, model.FieldCreatedAt, model.FieldUpdatedAt:
			continue
		}
		lv, lok := local[name]
		sv, sok := server[name]
		if lok == sok && reflect.DeepEqual(lv, sv) {
			continue
		}
		diffs = append(diffs, fieldDiff{Field: name, Local: displayValue(lv, lok), Server: displayValue(sv, sok)})
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Field < diffs[j].Field })
	return diffs
}

func displayValue(v any, ok bool) string {
	if !ok || v == nil {
		return "(none)"
	}
	return ui.Truncate(fmt.Sprint(v), 60)
}
