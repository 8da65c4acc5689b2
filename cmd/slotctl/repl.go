// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/slotmap"
	"github.com/natefinch/atomic"
	"github.com/peterh/liner"
)

var commands = []string{
	"insert", "get", "remove", "contains",
	"tag", "tags", "ls", "len", "clear", "retain",
	"save", "load", "help", "quit", "exit",
}

// REPL is the interactive command loop. Values live in a primary container;
// tags live in a sparse secondary map keyed by the same keys, so removing a
// value leaves its tag behind until the tag is next looked up.
type REPL struct {
	cfg    Config
	m      container
	tags   *slotmap.SparseSecondaryMap[string]
	out    io.Writer
	errOut io.Writer
}

func newREPL(cfg Config, out, errOut io.Writer) (*REPL, error) {
	m, err := cfg.newContainer()
	if err != nil {
		return nil, err
	}
	return &REPL{
		cfg:    cfg,
		m:      m,
		tags:   slotmap.NewSparseSecondary[string](0),
		out:    out,
		errOut: errOut,
	}, nil
}

// Run reads commands with line editing and history until quit or EOF.
func (r *REPL) Run() error {
	l := liner.NewLiner()
	defer l.Close()
	l.SetCtrlCAborts(true)
	l.SetCompleter(completer)

	if r.cfg.History != "" {
		if f, err := os.Open(r.cfg.History); err == nil {
			_, _ = l.ReadHistory(f)
			f.Close()
		}
		defer func() {
			if f, err := os.Create(r.cfg.History); err == nil {
				_, _ = l.WriteHistory(f)
				f.Close()
			}
		}()
	}

	fmt.Fprintf(r.out, "slotctl (variant=%s)\n", r.cfg.Variant)
	fmt.Fprintln(r.out, "Type 'help' for available commands.")

	for {
		line, err := l.Prompt("slotctl> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "reading input")
		}
		if strings.TrimSpace(line) != "" {
			l.AppendHistory(line)
		}
		if r.exec(line) {
			return nil
		}
	}
}

// RunScript executes one command per line of in, without line editing.
func (r *REPL) RunScript(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if r.exec(scanner.Text()) {
			return nil
		}
	}
	return errors.Wrap(scanner.Err(), "reading input")
}

func completer(line string) []string {
	var completions []string
	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}
	return completions
}

// exec runs a single command line. It returns true if the REPL should exit.
func (r *REPL) exec(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	var err error
	switch cmd {
	case "quit", "exit", "q":
		return true
	case "help", "?":
		r.printHelp()
	case "insert":
		err = r.cmdInsert(args)
	case "get":
		err = r.cmdGet(args)
	case "remove", "rm":
		err = r.cmdRemove(args)
	case "contains":
		err = r.cmdContains(args)
	case "tag":
		err = r.cmdTag(args)
	case "tags":
		r.cmdTags()
	case "ls", "list":
		r.cmdList()
	case "len":
		fmt.Fprintln(r.out, r.m.Len())
	case "clear":
		r.m.Clear()
		r.tags.Clear()
		fmt.Fprintln(r.out, "cleared")
	case "retain":
		err = r.cmdRetain(args)
	case "save":
		err = r.cmdSave(args)
	case "load":
		err = r.cmdLoad(args)
	default:
		fmt.Fprintf(r.errOut, "unknown command: %s (type 'help' for commands)\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
	}
	return false
}

func (r *REPL) printHelp() {
	fmt.Fprintln(r.out, "Commands:")
	fmt.Fprintln(r.out, "  insert <value>        Insert a value and print its key")
	fmt.Fprintln(r.out, "  get <key>             Print the value for a key")
	fmt.Fprintln(r.out, "  remove <key>          Remove a value")
	fmt.Fprintln(r.out, "  contains <key>        Report whether a key is valid")
	fmt.Fprintln(r.out, "  tag <key> <text>      Attach a tag to a live key")
	fmt.Fprintln(r.out, "  tags                  List tags, marking those of removed values")
	fmt.Fprintln(r.out, "  ls                    List all values")
	fmt.Fprintln(r.out, "  len                   Print the number of values")
	fmt.Fprintln(r.out, "  clear                 Remove all values and tags")
	fmt.Fprintln(r.out, "  retain <substring>    Keep only values containing substring")
	fmt.Fprintln(r.out, "  save <file>           Write keys and values to a file")
	fmt.Fprintln(r.out, "  load <file>           Check which saved keys are still valid")
	fmt.Fprintln(r.out, "  help                  Show this help")
	fmt.Fprintln(r.out, "  quit                  Exit")
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Keys are written <index>v<version>, e.g. 1v1.")
}

func wantArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return errors.Newf("usage: %s", usage)
	}
	return nil
}

func (r *REPL) cmdInsert(args []string) error {
	if err := wantArgs(args, 1, "insert <value>"); err != nil {
		return err
	}
	k, err := r.m.TryInsert(strings.Join(args, " "))
	if err != nil {
		if errors.Is(err, slotmap.ErrCapacityExceeded) {
			return errors.Newf("container is full (%d values)", r.m.Len())
		}
		return err
	}
	fmt.Fprintln(r.out, k)
	return nil
}

func (r *REPL) cmdGet(args []string) error {
	if err := wantArgs(args, 1, "get <key>"); err != nil {
		return err
	}
	k, err := slotmap.ParseKey(args[0])
	if err != nil {
		return err
	}
	if v, ok := r.m.Get(k); ok {
		fmt.Fprintln(r.out, v)
	} else {
		fmt.Fprintln(r.out, "not found")
	}
	return nil
}

func (r *REPL) cmdRemove(args []string) error {
	if err := wantArgs(args, 1, "remove <key>"); err != nil {
		return err
	}
	k, err := slotmap.ParseKey(args[0])
	if err != nil {
		return err
	}
	if v, ok := r.m.Remove(k); ok {
		fmt.Fprintf(r.out, "removed %s\n", v)
	} else {
		fmt.Fprintln(r.out, "not found")
	}
	return nil
}

func (r *REPL) cmdContains(args []string) error {
	if err := wantArgs(args, 1, "contains <key>"); err != nil {
		return err
	}
	k, err := slotmap.ParseKey(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, r.m.Contains(k))
	return nil
}

func (r *REPL) cmdTag(args []string) error {
	if err := wantArgs(args, 2, "tag <key> <text>"); err != nil {
		return err
	}
	k, err := slotmap.ParseKey(args[0])
	if err != nil {
		return err
	}
	if !r.m.Contains(k) {
		fmt.Fprintln(r.out, "not found")
		return nil
	}
	r.tags.Insert(k, strings.Join(args[1:], " "))
	fmt.Fprintln(r.out, "ok")
	return nil
}

type entry struct {
	Key   slotmap.Key `json:"key"`
	Value string      `json:"value"`
}

func sortEntries(entries []entry) {
	slices.SortFunc(entries, func(a, b entry) int {
		return cmp.Compare(a.Key.Index(), b.Key.Index())
	})
}

func (r *REPL) entries() []entry {
	var entries []entry
	r.m.All(func(k slotmap.Key, v string) bool {
		entries = append(entries, entry{Key: k, Value: v})
		return true
	})
	sortEntries(entries)
	return entries
}

func (r *REPL) cmdTags() {
	var tags []entry
	r.tags.All(func(k slotmap.Key, v string) bool {
		tags = append(tags, entry{Key: k, Value: v})
		return true
	})
	sortEntries(tags)
	for _, t := range tags {
		if r.m.Contains(t.Key) {
			fmt.Fprintf(r.out, "%s %s\n", t.Key, t.Value)
		} else {
			fmt.Fprintf(r.out, "%s %s (stale)\n", t.Key, t.Value)
		}
	}
}

func (r *REPL) cmdList() {
	for _, e := range r.entries() {
		fmt.Fprintf(r.out, "%s %s\n", e.Key, e.Value)
	}
}

func (r *REPL) cmdRetain(args []string) error {
	if err := wantArgs(args, 1, "retain <substring>"); err != nil {
		return err
	}
	sub := strings.Join(args, " ")
	removed := 0
	r.m.Retain(func(_ slotmap.Key, v *string) bool {
		if strings.Contains(*v, sub) {
			return true
		}
		removed++
		return false
	})
	fmt.Fprintf(r.out, "removed %d\n", removed)
	return nil
}

func (r *REPL) cmdSave(args []string) error {
	if err := wantArgs(args, 1, "save <file>"); err != nil {
		return err
	}
	entries := r.entries()
	if entries == nil {
		entries = []entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding entries")
	}
	data = append(data, '\n')
	if err := atomic.WriteFile(args[0], bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "writing %s", args[0])
	}
	fmt.Fprintf(r.out, "saved %d entries to %s\n", len(entries), args[0])
	return nil
}

// cmdLoad reads a file written by save and reports, for each saved key,
// whether it still refers to the same value. Keys read from the file are
// normalized on decoding, so a hand-edited file can never name a vacant
// slot version.
func (r *REPL) cmdLoad(args []string) error {
	if err := wantArgs(args, 1, "load <file>"); err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrapf(err, "reading %s", args[0])
	}
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return errors.Wrapf(err, "decoding %s", args[0])
	}
	valid := 0
	for _, e := range entries {
		v, ok := r.m.Get(e.Key)
		switch {
		case !ok:
			fmt.Fprintf(r.out, "%s stale\n", e.Key)
		case v != e.Value:
			fmt.Fprintf(r.out, "%s changed %q -> %q\n", e.Key, e.Value, v)
			valid++
		default:
			fmt.Fprintf(r.out, "%s valid\n", e.Key)
			valid++
		}
	}
	fmt.Fprintf(r.out, "%d of %d keys still valid\n", valid, len(entries))
	return nil
}
