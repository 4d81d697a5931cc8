package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hizawye/loadcore"
	"github.com/hizawye/loadcore/model"
)

func init() {
	rootCmd.AddCommand(symbolsCmd)
}

var symbolsCmd = &cobra.Command{
	Use:   "symbols <path>",
	Short: "List symbols extracted from a binary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		program := model.NewProgram(args[0])
		if err := loadcore.Load(args[0], program); err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Name", "Address", "Kind"})
		for _, s := range program.Symbols() {
			table.Append([]string{s.Name, fmt.Sprintf("%#x", s.Address), s.Kind.String()})
		}
		table.Render()

		return nil
	},
}
