/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/valpere/epubtran/internal/checkpoint"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or remove a book's checkpoint files",
	Long: `Inspect or remove the checkpoint files kept in <output-dir>/<book name>/.

A book is identified by its EPUB path or its name without extension.`,
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show <book>",
	Short: "Show checkpoint files and stashed chapters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		wd := checkpoint.Workdir(c.OutputDir, args[0])

		entries, err := wd.List()
		if err != nil {
			return fmt.Errorf("failed to list checkpoints: %w", err)
		}
		chapters, err := wd.StashedChapters()
		if err != nil {
			return fmt.Errorf("failed to list stashed chapters: %w", err)
		}

		if len(entries) == 0 && len(chapters) == 0 {
			fmt.Printf("No checkpoints in %s\n", wd.Root())
			return nil
		}

		fmt.Printf("Working directory: %s\n\n", wd.Root())
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tENTRIES\tSIZE")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%d\t%d\n", e.Name, e.Entries, e.Size)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\nStashed chapters: %d\n", len(chapters))
		if wd.Exists(checkpoint.PNDict) {
			fmt.Printf("Dictionary:       %s\n", wd.Path(checkpoint.PNDict))
		}
		return nil
	},
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear <book>",
	Short: "Remove checkpoint files and stashed chapters",
	Long: `Remove every checkpoint file and stashed chapter of a book. The
proper-noun dictionary file is kept. The next translate run starts over.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		wd := checkpoint.Workdir(c.OutputDir, args[0])
		if err := wd.Clear(); err != nil {
			return fmt.Errorf("failed to clear checkpoints: %w", err)
		}
		fmt.Printf("Cleared checkpoints in %s\n", wd.Root())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkpointCmd)

	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointClearCmd)
}
