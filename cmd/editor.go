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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/valpere/epubtran/internal/checkpoint"
	"github.com/valpere/epubtran/internal/glossary"
)

// stdinEditor pauses the pipeline until the user has edited the dictionary
// file and pressed Enter.
type stdinEditor struct {
	in  io.Reader
	out io.Writer
}

func (e *stdinEditor) EditDictionary(ctx context.Context, path string, dict glossary.Dictionary) (glossary.Dictionary, error) {
	data, err := glossary.Encode(path, dict)
	if err != nil {
		return nil, err
	}
	if err := checkpoint.WriteFile(path, data); err != nil {
		return nil, fmt.Errorf("failed to write dictionary: %w", err)
	}

	fmt.Fprintf(e.out, "\nProper-noun dictionary (%d entries) written to %s\n", len(dict), path)
	fmt.Fprint(e.out, "Edit it, then press Enter to continue...")

	done := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(e.in).ReadString('\n')
		done <- err
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read confirmation: %w", err)
		}
	}

	edited, err := glossary.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to reload dictionary: %w", err)
	}
	return edited, nil
}
