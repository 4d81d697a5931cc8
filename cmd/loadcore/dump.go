package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hizawye/loadcore"
	"github.com/hizawye/loadcore/model"
)

func init() {
	rootCmd.AddCommand(dumpCmd)
}

var dumpCmd = &cobra.Command{
	Use:   "dump <path>",
	Short: "Print sections, segments, and address spaces for a binary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		program := model.NewProgram(args[0])
		if err := loadcore.Load(args[0], program); err != nil {
			return err
		}
		if program.Error != "" {
			color.Yellow("warning: %s", program.Error)
		}

		fmt.Printf("load bias: %#x\n", program.LoadBias())

		for _, as := range program.AddressSpaces() {
			fmt.Printf("address space %q: base=%#x size=%s\n", as.Name, as.Base, humanize.Bytes(as.Size))
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Section", "Address", "Size", "File Offset"})
		for _, s := range program.Sections() {
			table.Append([]string{s.Name, fmt.Sprintf("%#x", s.Address), humanize.Bytes(s.Size), fmt.Sprintf("%#x", s.FileOffset)})
		}
		table.Render()

		segTable := tablewriter.NewWriter(os.Stdout)
		segTable.SetHeader([]string{"Segment Vaddr", "Memsz", "Filesz", "Flags"})
		for _, seg := range program.Segments() {
			segTable.Append([]string{fmt.Sprintf("%#x", seg.Vaddr), humanize.Bytes(seg.Memsz), humanize.Bytes(seg.Filesz), fmt.Sprintf("%#x", seg.Flags)})
		}
		segTable.Render()

		if program.DebugInfo().PDBPath != "" {
			fmt.Printf("PDB path: %s\n", program.DebugInfo().PDBPath)
		}

		return nil
	},
}
