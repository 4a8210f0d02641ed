package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"pkt.systems/consulkit/api"
	"pkt.systems/consulkit/client"
)

// kvExportEntry is the export/import record. Value is base64 so binary
// payloads survive both formats.
type kvExportEntry struct {
	Key   string `json:"key" yaml:"key"`
	Flags uint64 `json:"flags" yaml:"flags"`
	Value string `json:"value" yaml:"value"`
}

func newKVCommand(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Read and write the key-value store",
	}
	cmd.AddCommand(newKVGetCommand(env))
	cmd.AddCommand(newKVPutCommand(env))
	cmd.AddCommand(newKVDeleteCommand(env))
	cmd.AddCommand(newKVListCommand(env))
	cmd.AddCommand(newKVExportCommand(env))
	cmd.AddCommand(newKVImportCommand(env))
	return cmd
}

func newKVGetCommand(env *cliEnv) *cobra.Command {
	var detailed, recurse bool
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a value (or every entry under a prefix with --recurse)",
		Args:  cobra.ExactArgs(1),
		RunE: env.withClient(func(cmd *cobra.Command, cli *client.Client, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if recurse {
				pairs, _, err := cli.KV().List(ctx, args[0], nil)
				if err != nil {
					return err
				}
				if detailed {
					return writeJSON(out, pairs)
				}
				for _, p := range pairs {
					fmt.Fprintf(out, "%s:%s\n", p.Key, p.Value)
				}
				return nil
			}
			pair, _, err := cli.KV().Get(ctx, args[0], nil)
			if err != nil {
				return err
			}
			if pair == nil {
				return fmt.Errorf("key %q not found", args[0])
			}
			if detailed {
				return writeJSON(out, pair)
			}
			_, err = fmt.Fprintf(out, "%s\n", pair.Value)
			return err
		}),
	}
	cmd.Flags().BoolVar(&detailed, "detailed", false, "print the full entry as JSON")
	cmd.Flags().BoolVar(&recurse, "recurse", false, "treat the key as a prefix")
	return cmd
}

func newKVPutCommand(env *cliEnv) *cobra.Command {
	var flagsValue uint64
	var cas int64
	cmd := &cobra.Command{
		Use:   "put <key> [value|-]",
		Short: "Write a value (\"-\" reads stdin)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: env.withClient(func(cmd *cobra.Command, cli *client.Client, args []string) error {
			var value []byte
			if len(args) == 2 {
				if args[1] == "-" {
					data, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return fmt.Errorf("read stdin: %w", err)
					}
					value = data
				} else {
					value = []byte(args[1])
				}
			}
			pair := &api.KVPair{Key: args[0], Flags: flagsValue, Value: value}
			if cas >= 0 {
				pair.ModifyIndex = uint64(cas)
				ok, _, err := cli.KV().CAS(cmd.Context(), pair, nil)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("check-and-set on %q failed (index %d)", args[0], cas)
				}
			} else if _, err := cli.KV().Put(cmd.Context(), pair, nil); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return err
		}),
	}
	cmd.Flags().Uint64Var(&flagsValue, "flags", 0, "opaque flags stored with the entry")
	cmd.Flags().Int64Var(&cas, "cas", -1, "write only if the entry's ModifyIndex matches (0 creates only)")
	return cmd
}

func newKVDeleteCommand(env *cliEnv) *cobra.Command {
	var recurse bool
	var cas int64
	cmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key (or a prefix with --recurse)",
		Args:  cobra.ExactArgs(1),
		RunE: env.withClient(func(cmd *cobra.Command, cli *client.Client, args []string) error {
			ctx := cmd.Context()
			switch {
			case recurse && cas >= 0:
				return fmt.Errorf("--recurse and --cas are mutually exclusive")
			case recurse:
				if _, err := cli.KV().DeleteTree(ctx, args[0], nil); err != nil {
					return err
				}
			case cas >= 0:
				ok, _, err := cli.KV().DeleteCAS(ctx, &api.KVPair{Key: args[0], ModifyIndex: uint64(cas)}, nil)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("check-and-set delete on %q failed (index %d)", args[0], cas)
				}
			default:
				if _, err := cli.KV().Delete(ctx, args[0], nil); err != nil {
					return err
				}
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return err
		}),
	}
	cmd.Flags().BoolVar(&recurse, "recurse", false, "delete every key under the prefix")
	cmd.Flags().Int64Var(&cas, "cas", -1, "delete only if the entry's ModifyIndex matches")
	return cmd
}

func newKVListCommand(env *cliEnv) *cobra.Command {
	var separator string
	cmd := &cobra.Command{
		Use:   "list [prefix]",
		Short: "List keys under a prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: env.withClient(func(cmd *cobra.Command, cli *client.Client, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			keys, _, err := cli.KV().Keys(cmd.Context(), prefix, separator, nil)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&separator, "separator", "", "stop listing at this separator (e.g. /)")
	return cmd
}

func newKVExportCommand(env *cliEnv) *cobra.Command {
	var format, outPath string
	cmd := &cobra.Command{
		Use:   "export [prefix]",
		Short: "Export entries under a prefix as JSON or YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: env.withClient(func(cmd *cobra.Command, cli *client.Client, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			pairs, _, err := cli.KV().List(cmd.Context(), prefix, nil)
			if err != nil {
				return err
			}
			data, err := encodeKVExport(pairs, format)
			if err != nil {
				return err
			}
			if outPath == "" || outPath == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(outPath, data, 0o600)
		}),
	}
	cmd.Flags().StringVar(&format, "format", "json", "output format (json or yaml)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write to this file instead of stdout")
	return cmd
}

func newKVImportCommand(env *cliEnv) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "import [file|-]",
		Short: "Import entries produced by kv export (JSON or YAML)",
		Args:  cobra.MaximumNArgs(1),
		RunE: env.withClient(func(cmd *cobra.Command, cli *client.Client, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			var data []byte
			var err error
			if path == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(path)
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			pairs, err := decodeKVExport(path, data)
			if err != nil {
				return err
			}
			prefix = strings.Trim(prefix, "/")
			for _, p := range pairs {
				if prefix != "" {
					p.Key = prefix + "/" + p.Key
				}
				if _, err := cli.KV().Put(cmd.Context(), p, nil); err != nil {
					return fmt.Errorf("import %s: %w", p.Key, err)
				}
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d entries\n", len(pairs))
			return err
		}),
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "prepend this prefix to every imported key")
	return cmd
}

func encodeKVExport(pairs api.KVPairs, format string) ([]byte, error) {
	entries := make([]kvExportEntry, 0, len(pairs))
	for _, p := range pairs {
		entries = append(entries, kvExportEntry{
			Key:   p.Key,
			Flags: p.Flags,
			Value: base64.StdEncoding.EncodeToString(p.Value),
		})
	}
	switch strings.ToLower(format) {
	case "", "json":
		var buf bytes.Buffer
		if err := writeJSON(&buf, entries); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "yaml", "yml":
		return yaml.Marshal(entries)
	default:
		return nil, fmt.Errorf("unknown export format %q (json or yaml)", format)
	}
}

// decodeKVExport accepts JSON or YAML; YAML is parsed with yaml.v2 and then
// normalised through JSON so both formats share one decoder.
func decodeKVExport(path string, data []byte) (api.KVPairs, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("import: empty input")
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	raw, err := json.Marshal(yamlToJSON(doc))
	if err != nil {
		return nil, fmt.Errorf("normalise %s: %w", path, err)
	}
	var entries []kvExportEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	pairs := make(api.KVPairs, 0, len(entries))
	for i, e := range entries {
		if strings.TrimSpace(e.Key) == "" {
			return nil, fmt.Errorf("entry %d: key required", i)
		}
		value, err := base64.StdEncoding.DecodeString(e.Value)
		if err != nil {
			return nil, fmt.Errorf("entry %s: value is not base64: %w", e.Key, err)
		}
		pairs = append(pairs, &api.KVPair{Key: e.Key, Flags: e.Flags, Value: value})
	}
	return pairs, nil
}

func yamlToJSON(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[fmt.Sprint(k)] = yamlToJSON(v)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = yamlToJSON(v)
		}
		return out
	case []any:
		slice := make([]any, len(val))
		for i, elem := range val {
			slice[i] = yamlToJSON(elem)
		}
		return slice
	default:
		return val
	}
}
