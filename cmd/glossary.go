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
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/valpere/epubtran/internal/checkpoint"
	"github.com/valpere/epubtran/internal/glossary"
)

var (
	glossaryBook   string
	glossarySource string
	glossaryTarget string
)

var glossaryCmd = &cobra.Command{
	Use:   "glossary",
	Short: "Manage the proper-noun glossary",
	Long: `Add, list, delete, import and export proper-noun glossary entries.

Entries are scoped by book and language pair. The translate command fills
the glossary during the pn_extract stage and applies it to every chunk it
sends, so a name is rendered the same way throughout the book.`,
}

var glossaryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List glossary entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openStore(c.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		// Empty filters list everything.
		entries, err := db.ListGlossaryTerms(context.Background(), glossaryBook, glossarySource, glossaryTarget)
		if err != nil {
			return fmt.Errorf("failed to list glossary: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("Glossary is empty.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tBOOK\tSOURCE LANG\tTARGET LANG\tSOURCE TERM\tTARGET TERM")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.ID, e.Book, e.SourceLang, e.TargetLang, e.SourceTerm, e.TargetTerm)
		}
		return w.Flush()
	},
}

var glossaryAddCmd = &cobra.Command{
	Use:   "add <source-term> <target-term>",
	Short: "Add or update a glossary entry",
	Long: `Add a glossary entry mapping a source-language term to a target-language term.

Example:
  epubtran glossary add "田中" "Tanaka" --book novel --source ja --target en`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireScope(); err != nil {
			return err
		}
		c, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openStore(c.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.AddGlossaryTerm(context.Background(), glossaryBook, glossarySource, glossaryTarget, args[0], args[1]); err != nil {
			return fmt.Errorf("failed to add glossary entry: %w", err)
		}
		fmt.Printf("Added: [%s %s→%s] %q → %q\n", glossaryBook, glossarySource, glossaryTarget, args[0], args[1])
		return nil
	},
}

var glossaryDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a glossary entry by ID",
	Long: `Delete a glossary entry by its ID (shown in "epubtran glossary list").

Example:
  epubtran glossary delete gl_0b9e6a0e-5f0c-4a57-9a55-8d1c2b7f3e21`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openStore(c.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.DeleteGlossaryTerm(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to delete glossary entry: %w", err)
		}
		fmt.Printf("Deleted glossary entry: %s\n", args[0])
		return nil
	},
}

var glossaryImportCmd = &cobra.Command{
	Use:   "import <file.csv|file.yaml>",
	Short: "Merge a dictionary file into the glossary",
	Long: `Merge a CSV (key,value) or YAML dictionary file into a book's glossary.
Imported renderings replace existing ones for the same term.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireScope(); err != nil {
			return err
		}
		imported, err := glossary.Load(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		c, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openStore(c.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		terms, err := db.GetGlossaryTerms(ctx, glossaryBook, glossarySource, glossaryTarget)
		if err != nil {
			return fmt.Errorf("failed to read glossary: %w", err)
		}
		merged := glossary.Normalize(terms)
		for k, val := range glossary.Normalize(imported) {
			merged[k] = val
		}
		if err := db.ReplaceGlossary(ctx, glossaryBook, glossarySource, glossaryTarget, merged); err != nil {
			return fmt.Errorf("failed to store glossary: %w", err)
		}
		fmt.Printf("Imported %d entries into %s (%d total)\n", len(imported), glossaryBook, len(merged))
		return nil
	},
}

var glossaryExportCmd = &cobra.Command{
	Use:   "export <file.csv|file.yaml>",
	Short: "Write a book's glossary to a dictionary file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireScope(); err != nil {
			return err
		}
		c, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openStore(c.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		terms, err := db.GetGlossaryTerms(context.Background(), glossaryBook, glossarySource, glossaryTarget)
		if err != nil {
			return fmt.Errorf("failed to read glossary: %w", err)
		}
		data, err := glossary.Encode(args[0], glossary.Dictionary(terms))
		if err != nil {
			return err
		}
		if err := checkpoint.WriteFile(args[0], data); err != nil {
			return fmt.Errorf("failed to write %s: %w", args[0], err)
		}
		fmt.Printf("Exported %d entries to %s\n", len(terms), args[0])
		return nil
	},
}

func requireScope() error {
	switch {
	case glossaryBook == "":
		return fmt.Errorf("--book flag is required")
	case glossarySource == "":
		return fmt.Errorf("--source language flag is required")
	case glossaryTarget == "":
		return fmt.Errorf("--target language flag is required")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(glossaryCmd)

	pf := glossaryCmd.PersistentFlags()
	pf.StringVarP(&glossaryBook, "book", "b", "", "Book name (the EPUB file name without extension)")
	pf.StringVarP(&glossarySource, "source", "s", "", "Source language code (e.g. ja)")
	pf.StringVarP(&glossaryTarget, "target", "t", "", "Target language code (e.g. ko)")

	glossaryCmd.AddCommand(glossaryListCmd)
	glossaryCmd.AddCommand(glossaryAddCmd)
	glossaryCmd.AddCommand(glossaryDeleteCmd)
	glossaryCmd.AddCommand(glossaryImportCmd)
	glossaryCmd.AddCommand(glossaryExportCmd)
}
