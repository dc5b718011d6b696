// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// promptMissing asks on out for whatever fetch still needs and reads the
// answers from in. Paths are only asked for when unset.
func promptMissing(in io.Reader, out io.Writer, opts *fetchOptions, askWorkers, askCaption bool) error {
	sc := bufio.NewScanner(in)
	ask := func(q string) (string, error) {
		fmt.Fprint(out, q)
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", err
			}
			return "", io.ErrUnexpectedEOF
		}
		return strings.TrimSpace(sc.Text()), nil
	}

	if opts.Source == "" {
		v, err := ask("Enter the path of the metadata directory: ")
		if err != nil {
			return err
		}
		if v == "" {
			return errors.New("metadata directory is required")
		}
		opts.Source = v
	}
	if opts.Dest == "" {
		v, err := ask("Enter the destination directory: ")
		if err != nil {
			return err
		}
		if v == "" {
			return errors.New("destination directory is required")
		}
		opts.Dest = v
	}
	if askWorkers {
		v, err := ask(fmt.Sprintf("Number of workers (default %d): ", opts.Workers))
		if err != nil {
			return err
		}
		if v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return fmt.Errorf("invalid worker count %q", v)
			}
			opts.Workers = n
		}
	}
	if askCaption {
		v, err := ask("Export captions? (y/n): ")
		if err != nil {
			return err
		}
		opts.NoCaption = !isYes(v)
	}
	return nil
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}
