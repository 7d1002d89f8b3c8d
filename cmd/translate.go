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
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/valpere/epubtran/internal/epub"
	"github.com/valpere/epubtran/internal/generator"
	"github.com/valpere/epubtran/internal/orchestrator"
	"github.com/valpere/epubtran/internal/prompt"
)

var (
	outputFile string
	noPause    bool
)

var translateCmd = &cobra.Command{
	Use:   "translate <book.epub>",
	Short: "Translate an EPUB book",
	Long: `Translate an EPUB book stage by stage.

Stages, always run in this order:
  - ruby        Replace furigana with its reading
  - pn_extract  Collect proper nouns into the dictionary
  - pn_edit     Pause so the dictionary can be edited
  - main        Translate every chapter
  - toc         Translate the table of contents and title
  - review      Re-send units that still look untranslated
  - dual        Keep the original text above each translated paragraph
  - image       Add translated descriptions of text in images

Select stages with --stages main,toc. Working files go to
<output-dir>/<book name>/; rerunning the same command resumes from them.

Example:
  epubtran translate novel.epub --target-lang en --stages main,toc,review`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input := args[0]
		if outputFile != "" && filepath.Clean(outputFile) == filepath.Clean(input) {
			return fmt.Errorf("input file and output file cannot be the same")
		}

		c, err := loadConfig()
		if err != nil {
			return err
		}
		prompts, err := prompt.Load(c.PromptsFile)
		if err != nil {
			return err
		}

		book, err := epub.Open(input)
		if err != nil {
			return fmt.Errorf("failed to open book: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		gen, err := buildGenerator(ctx, c)
		if err != nil {
			return err
		}
		defer generator.Close(gen)

		db, err := openStore(c.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		opts := []orchestrator.Option{
			orchestrator.WithLogger(logger),
			orchestrator.WithGlossaryStore(db),
			orchestrator.WithRunStore(db),
			orchestrator.WithProgress(printProgress),
		}
		if !noPause {
			opts = append(opts, orchestrator.WithEditor(&stdinEditor{in: os.Stdin, out: os.Stderr}))
		}

		rc := orchestrator.FromConfig(c, input, prompts)
		rc.OutputPath = outputFile

		fmt.Fprintf(os.Stderr, "Translating %q (%s) with %s (%s)\n", book.Title(), input, gen.Name(), c.Model)
		if err := orchestrator.New(book, gen, rc, opts...).Run(ctx); err != nil {
			fmt.Fprintln(os.Stderr)
			return err
		}
		fmt.Fprintln(os.Stderr)

		dst := outputFile
		if dst == "" {
			dst = filepath.Join(c.OutputDir, filepath.Base(input))
		}
		fmt.Printf("Successfully translated %s to %s\n", input, dst)
		return nil
	},
}

func printProgress(p orchestrator.Progress) {
	fmt.Fprintf(os.Stderr, "\r[%-10s] %5.1f%%", p.Stage, p.Percent)
}

func init() {
	rootCmd.AddCommand(translateCmd)

	f := translateCmd.Flags()
	f.StringVarP(&outputFile, "output", "o", "", "Output EPUB path (default <output-dir>/<book>.epub)")
	f.BoolVar(&noPause, "no-pause", false, "Do not pause for dictionary editing")
	f.StringSlice("stages", nil, "Stages to run (comma-separated)")
	f.String("mode", "json", "Translation mode (json, html)")
	f.StringP("provider", "p", "gemini", "LLM provider (gemini, openai, openrouter, ollama)")
	f.StringP("model", "m", "gemini-2.5-flash", "Model name")
	f.StringP("source-lang", "s", "", "Source language code (default: book metadata, then detection)")
	f.StringP("target-lang", "t", "ko", "Target language code")

	bindFlags(f, map[string]string{
		"pipeline":    "stages",
		"mode":        "mode",
		"provider":    "provider",
		"model":       "model",
		"source_lang": "source-lang",
		"target_lang": "target-lang",
	})
}
