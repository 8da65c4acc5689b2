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

// slotctl is an interactive shell over the slotmap containers.
//
// Usage:
//
//	slotctl [flags]
//
// Flags:
//
//	    --variant    Container variant: basic, hop or dense (default basic)
//	    --capacity   Initial capacity
//	    --max-len    Maximum number of values (0 for no limit)
//	    --config     JSONC config file providing defaults for the flags above
//	    --history    History file (default ~/.slotctl_history)
//	    --script     Read commands from stdin without line editing
//
// Type 'help' at the prompt for the list of commands.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	flag "github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Stdin, os.Stdout, os.Stderr, os.Args[1:]))
}

func run(in io.Reader, out, errOut io.Writer, args []string) int {
	cfg, script, err := parseFlags(errOut, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(errOut, "error: %v\n", err)
		return 2
	}

	r, err := newREPL(cfg, out, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return 2
	}
	if script {
		err = r.RunScript(in)
	} else {
		err = r.Run()
	}
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return 1
	}
	return 0
}

// parseFlags builds the configuration from the defaults, then the config
// file if one is given, then the flags that were set explicitly.
func parseFlags(errOut io.Writer, args []string) (Config, bool, error) {
	fs := flag.NewFlagSet("slotctl", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var flags Config
	var configPath string
	var script bool
	fs.StringVar(&flags.Variant, "variant", variantBasic, "container variant: basic, hop or dense")
	fs.IntVar(&flags.Capacity, "capacity", 0, "initial capacity")
	fs.Uint32Var(&flags.MaxLen, "max-len", 0, "maximum number of values (0 for no limit)")
	fs.StringVarP(&configPath, "config", "c", "", "JSONC config file")
	fs.StringVar(&flags.History, "history", "", "history file")
	fs.BoolVar(&script, "script", false, "read commands from stdin without line editing")

	if err := fs.Parse(args); err != nil {
		return Config{}, false, err
	}
	if fs.NArg() > 0 {
		return Config{}, false, errors.Newf("unexpected arguments: %v", fs.Args())
	}

	cfg := defaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = loadConfigFile(configPath, cfg); err != nil {
			return Config{}, false, err
		}
	}
	if fs.Changed("variant") {
		cfg.Variant = flags.Variant
	}
	if fs.Changed("capacity") {
		cfg.Capacity = flags.Capacity
	}
	if fs.Changed("max-len") {
		cfg.MaxLen = flags.MaxLen
	}
	if fs.Changed("history") {
		cfg.History = flags.History
	}
	return cfg, script, cfg.validate()
}
