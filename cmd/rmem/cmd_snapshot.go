package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"replinet/internal/atom"
	"replinet/internal/core"
	"replinet/internal/rcode"
	"replinet/internal/store"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage memory snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		snaps, err := st.List(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tLABEL\tKIND\tOBJECTS\tCREATED")
		for _, s := range snaps {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.Label, s.Kind, s.ObjectCount, s.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	},
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Summarize a snapshot (default: latest)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		snap, err := pickSnapshot(cmd, st, args, "")
		if err != nil {
			return err
		}
		sum, err := summarize(snap.Image)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "snapshot %s (%s, label %q)\n", snap.ID, snap.Kind, snap.Label)
		fmt.Fprintf(out, "taken at %dus, %d objects, %d views\n", snap.TakenAt, sum.Objects, sum.Views)
		fmt.Fprintf(out, "stdin %d, stdout %d, self %d\n\n", snap.StdinOID, snap.StdoutOID, snap.SelfOID)

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "OPCODE\tCOUNT")
		for _, oc := range sum.opcodes() {
			fmt.Fprintf(tw, "%s\t%d\n", oc, sum.ByOpcode[oc])
		}
		if len(sum.Models) > 0 {
			fmt.Fprintln(tw, "\nMODEL\tSTRENGTH\tCOUNT\tSR")
			for _, md := range sum.Models {
				fmt.Fprintf(tw, "%d\t%.0f\t%.0f\t%.3f\n", md.OID, md.Strength, md.Count, md.SuccessRate)
			}
		}
		return tw.Flush()
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		return st.Delete(cmd.Context(), args[0])
	},
}

var pruneKeep int

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the most recent snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		n, err := st.Prune(cmd.Context(), pruneKeep)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d snapshots\n", n)
		return nil
	},
}

var snapshotExportModelsCmd = &cobra.Command{
	Use:   "export-models [id]",
	Short: "Save the models of a snapshot as a models-only snapshot",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		snap, err := pickSnapshot(cmd, st, args, store.KindFull)
		if err != nil {
			return err
		}
		m, err := loadSnapshot(snap, core.SettingsFromConfig(cfg))
		if err != nil {
			return err
		}
		id, err := st.Save(cmd.Context(), &store.Snapshot{
			Label:     snap.Label,
			Kind:      store.KindModels,
			StdinOID:  snap.StdinOID,
			StdoutOID: snap.StdoutOID,
			SelfOID:   snap.SelfOID,
			Image:     m.ExportModels(),
		})
		if err != nil {
			return err
		}
		logger.Info("exported models", zap.String("from", snap.ID), zap.String("snapshot", id))
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

func init() {
	snapshotPruneCmd.Flags().IntVar(&pruneKeep, "keep", 10, "Number of snapshots to keep")
}

// pickSnapshot loads the snapshot named by args, or the latest one of kind.
func pickSnapshot(cmd *cobra.Command, st *store.SnapshotStore, args []string, kind store.Kind) (*store.Snapshot, error) {
	if len(args) == 1 {
		return st.Load(cmd.Context(), args[0])
	}
	return st.LatestOf(cmd.Context(), kind, "")
}

type modelSummary struct {
	OID         uint64
	Strength    float64
	Count       float64
	SuccessRate float64
}

type imageSummary struct {
	Objects  int
	Views    int
	ByOpcode map[string]int
	Models   []modelSummary
}

func (s *imageSummary) opcodes() []string {
	out := make([]string, 0, len(s.ByOpcode))
	for oc := range s.ByOpcode {
		out = append(out, oc)
	}
	sort.Strings(out)
	return out
}

// summarize counts the objects of an image by opcode and lists its models.
func summarize(img *rcode.Image) (*imageSummary, error) {
	objs, err := img.Decode()
	if err != nil {
		return nil, err
	}
	sum := &imageSummary{Objects: len(objs), ByOpcode: make(map[string]int)}
	for _, o := range objs {
		sum.Views += o.ViewCount()
		sum.ByOpcode[rcode.OpcodeName(o.Opcode())]++
		if o.Descriptor() == atom.MODEL {
			sum.Models = append(sum.Models, modelSummary{
				OID:         o.OID(),
				Strength:    o.Float(rcode.MdlStrength),
				Count:       o.Float(rcode.MdlCnt),
				SuccessRate: o.Float(rcode.MdlSR),
			})
		}
	}
	sort.Slice(sum.Models, func(i, j int) bool { return sum.Models[i].OID < sum.Models[j].OID })
	return sum, nil
}
