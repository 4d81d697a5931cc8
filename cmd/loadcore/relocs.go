package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hizawye/loadcore"
	"github.com/hizawye/loadcore/model"
)

func init() {
	rootCmd.AddCommand(relocsCmd)
}

var relocsCmd = &cobra.Command{
	Use:   "relocs <path>",
	Short: "List relocation records, highlighting unapplied fixups",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		program := model.NewProgram(args[0])
		if err := loadcore.Load(args[0], program); err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Address", "Type", "Applied", "Note"})
		for _, r := range program.Relocations() {
			applied := color.GreenString("yes")
			note := r.Note
			if !r.Applied {
				applied = color.RedString("no")
				if note == "" {
					note = "-"
				}
			}
			table.Append([]string{fmt.Sprintf("%#x", r.Address), fmt.Sprintf("%d", r.Type), applied, note})
		}
		table.Render()

		return nil
	},
}
