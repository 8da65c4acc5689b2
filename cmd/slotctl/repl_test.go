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
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func runScript(t *testing.T, cfg Config, lines ...string) (string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	r, err := newREPL(cfg, &out, &errOut)
	require.NoError(t, err)
	require.NoError(t, r.RunScript(strings.NewReader(strings.Join(lines, "\n"))))
	return out.String(), errOut.String()
}

func requireLines(t *testing.T, expected []string, got string) {
	t.Helper()
	if diff := cmp.Diff(expected, strings.Split(strings.TrimRight(got, "\n"), "\n")); diff != "" {
		t.Fatalf("unexpected output (-want +got):\n%s", diff)
	}
}

func TestREPLSession(t *testing.T) {
	out, errOut := runScript(t, Config{Variant: variantBasic},
		"insert foo",
		"insert bar",
		"tag 1v1 noun",
		"remove 1v1",
		"insert baz",
		"get 1v1",
		"get 1v3",
		"contains 2v1",
		"tags",
		"ls",
		"len",
		"quit",
		"insert never",
	)
	require.Empty(t, errOut)
	requireLines(t, []string{
		"1v1",
		"2v1",
		"ok",
		"removed foo",
		"1v3",
		"not found",
		"baz",
		"true",
		"1v1 noun (stale)",
		"1v3 baz",
		"2v1 bar",
		"2",
	}, out)
}

func TestREPLVariants(t *testing.T) {
	for _, variant := range []string{variantBasic, variantHop, variantDense} {
		t.Run(variant, func(t *testing.T) {
			out, errOut := runScript(t, Config{Variant: variant},
				"insert apple",
				"insert banana",
				"insert cherry",
				"retain an",
				"len",
				"contains 2v1",
				"contains 1v1",
				"clear",
				"len",
			)
			require.Empty(t, errOut)
			requireLines(t, []string{
				"1v1", "2v1", "3v1",
				"removed 2",
				"1",
				"true",
				"false",
				"cleared",
				"0",
			}, out)
		})
	}
}

func TestREPLErrors(t *testing.T) {
	out, errOut := runScript(t, Config{Variant: variantBasic, MaxLen: 1},
		"insert a",
		"insert b",
		"get nonsense",
		"get",
		"frobnicate",
		"tag 5v1 x",
	)
	requireLines(t, []string{"1v1", "not found"}, out)
	requireLines(t, []string{
		"error: container is full (1 values)",
		`error: slotmap: malformed key "nonsense"`,
		"error: usage: get <key>",
		"unknown command: frobnicate (type 'help' for commands)",
	}, errOut)
}

func TestREPLSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")

	var out, errOut bytes.Buffer
	r, err := newREPL(Config{Variant: variantDense}, &out, &errOut)
	require.NoError(t, err)
	script := strings.Join([]string{
		"insert a",
		"insert b",
		"insert c",
		"save " + path,
		"remove 1v1",
		"load " + path,
	}, "\n")
	require.NoError(t, r.RunScript(strings.NewReader(script)))
	require.Empty(t, errOut.String())
	requireLines(t, []string{
		"1v1", "2v1", "3v1",
		"saved 3 entries to " + path,
		"removed a",
		"1v1 stale",
		"2v1 valid",
		"3v1 valid",
		"2 of 3 keys still valid",
	}, out.String())

	// Hand-written versions are normalized to occupied versions on load.
	require.NoError(t, os.WriteFile(path, []byte(`[
  {"key": {"idx": 2, "version": 0}, "value": "b"},
  {"key": {"idx": 3, "version": 1}, "value": "x"}
]`), 0o644))
	out.Reset()
	require.NoError(t, r.RunScript(strings.NewReader("load "+path)))
	requireLines(t, []string{
		"2v1 valid",
		`3v1 changed "x" -> "c"`,
		"2 of 2 keys still valid",
	}, out.String())

	require.NoError(t, r.RunScript(strings.NewReader("load "+filepath.Join(dir, "missing"))))
	require.Contains(t, errOut.String(), "error: reading")
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]byte(`{
	// Comments are allowed.
	"variant": "hop",
	"capacity": 64,
	"max_len": 1000,
}`))
	require.NoError(t, err)
	require.Equal(t, Config{Variant: variantHop, Capacity: 64, MaxLen: 1000}, cfg)

	_, err = parseConfig([]byte(`{"variant": `))
	require.Error(t, err)
}

func TestParseFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slotctl.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"variant": "hop", "capacity": 10, "history": ""}`), 0o644))

	var errOut bytes.Buffer
	cfg, script, err := parseFlags(&errOut, []string{"--config", path, "--script"})
	require.NoError(t, err)
	require.True(t, script)
	require.Equal(t, variantHop, cfg.Variant)
	require.Equal(t, 10, cfg.Capacity)

	// Flags override the config file.
	cfg, _, err = parseFlags(&errOut, []string{"-c", path, "--variant", "dense", "--history", "h"})
	require.NoError(t, err)
	require.Equal(t, variantDense, cfg.Variant)
	require.Equal(t, 10, cfg.Capacity)
	require.Equal(t, "h", cfg.History)

	_, _, err = parseFlags(&errOut, []string{"--variant", "linked"})
	require.True(t, errors.Is(err, errUnknownVariant), "%v", err)

	_, _, err = parseFlags(&errOut, []string{"extra"})
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run(strings.NewReader("insert x\nlen\n"), &out, &errOut,
		[]string{"--script", "--history", "", "--variant", "hop"})
	require.Equal(t, 0, code, errOut.String())
	requireLines(t, []string{"1v1", "1"}, out.String())

	code = run(strings.NewReader(""), &out, &errOut, []string{"--capacity", "-1"})
	require.Equal(t, 2, code)
}
