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
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/valpere/epubtran/internal/config"
	"github.com/valpere/epubtran/internal/generator"
	"github.com/valpere/epubtran/internal/store"
)

const (
	ollamaReadyAttempts = 5
	ollamaReadyDelay    = 2 * time.Second
)

// bindFlags binds each config key to the named flag of fs.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

// loadConfig returns the merged configuration of defaults, file, env and flags.
func loadConfig() (config.Config, error) {
	c, err := config.Load(v)
	if err != nil {
		return c, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

// openStore opens the SQLite database, creating its directory first.
func openStore(path string) (*store.Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := store.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// buildGenerator constructs the configured provider. A local Ollama server
// is polled until it answers.
func buildGenerator(ctx context.Context, c config.Config) (generator.TextGenerator, error) {
	gen, err := generator.New(ctx, c.Service())
	if err != nil {
		return nil, fmt.Errorf("failed to create %s generator: %w", c.Provider, err)
	}
	if o, ok := gen.(*generator.Ollama); ok {
		if err := o.WaitReady(ctx, ollamaReadyAttempts, ollamaReadyDelay); err != nil {
			return nil, fmt.Errorf("ollama server is not reachable: %w", err)
		}
	}
	return gen, nil
}
