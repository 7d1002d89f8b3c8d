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
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/valpere/epubtran/internal/config"
	"github.com/valpere/epubtran/internal/logging"
)

var version = "0.1.0"

var (
	cfgFile string
	v       = viper.New()
	logger  = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "epubtran",
	Short: "LLM translator for EPUB light novels",
	Long: `A CLI application that translates EPUB light novels with a large language model.

Chapter text is extracted into numbered units, sent to the model in
size-bounded chunks and put back into the book. Every finished chunk is
checkpointed, so an interrupted run resumes where it stopped.

Supported providers: Gemini, OpenAI, OpenRouter, Ollama

Use "epubtran translate --help" for translation options.`,
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Setup(v, cfgFile); err != nil {
			return err
		}
		l, err := logging.New(v.GetString("log_level"), v.GetString("log_format"), os.Stderr)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default ./epubtran.yaml or $HOME/.config/epubtran/epubtran.yaml)")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "text", "Log format (text, json)")
	pf.String("output-dir", "./output", "Directory for working files and translated books")
	pf.String("db", "./data/epubtran.db", "Database path")

	bindFlags(pf, map[string]string{
		"log_level":  "log-level",
		"log_format": "log-format",
		"output_dir": "output-dir",
		"db_path":    "db",
	})
}
