package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-sam/internal/model"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect MODEL",
		Short: "Show the architecture and tensors of a model file",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}
	cmd.Flags().Bool("tensors", true, "list every tensor")
	return cmd
}

func InspectHandler(cmd *cobra.Command, args []string) error {
	m, err := model.Load(args[0])
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	h := m.Hparams

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"PARAMETER", "VALUE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.AppendBulk([][]string{
		{"format", m.Format},
		{"encoder width", strconv.Itoa(h.EncState)},
		{"encoder layers", strconv.Itoa(h.EncLayers)},
		{"encoder heads", strconv.Itoa(h.EncHeads)},
		{"output channels", strconv.Itoa(h.EncOutChans)},
		{"image size", strconv.Itoa(h.ImageSize)},
		{"patch size", strconv.Itoa(h.PatchSize)},
		{"window size", strconv.Itoa(h.WindowSize)},
		{"decoder layers", strconv.Itoa(h.DecLayers)},
		{"decoder heads", strconv.Itoa(h.DecHeads)},
		{"mask tokens", strconv.Itoa(h.MaskTokens)},
		{"tensors", strconv.Itoa(m.Store.Len())},
		{"size", fmt.Sprintf("%.1f MiB", float64(m.Store.Bytes())/(1<<20))},
	})
	if s := m.Summary; s != nil {
		if s.Name != "" {
			table.Append([]string{"name", s.Name})
		}
		table.Append([]string{"parameters", fmt.Sprintf("%.2fM", float64(s.Parameters)/1e6)})
		table.Append([]string{"file size", fmt.Sprintf("%.1f MiB", float64(s.Bytes)/(1<<20))})
		table.Append([]string{"storage", s.Types()})
	}
	table.Render()

	if list, _ := cmd.Flags().GetBool("tensors"); !list {
		return nil
	}
	fmt.Fprintln(w)

	table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"NAME", "SHAPE", "ELEMENTS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, name := range m.Store.Names() {
		hnd, _ := m.Store.Lookup(name)
		t := m.Store.Tensor(hnd)
		dims := make([]string, len(t.Shape))
		for i, d := range t.Shape {
			dims[i] = strconv.Itoa(d)
		}
		table.Append([]string{name, strings.Join(dims, "×"), strconv.Itoa(len(t.Data))})
	}
	table.Render()
	return nil
}
