package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meigma/blobtree/chunk"
	"github.com/meigma/blobtree/decoder"
	"github.com/meigma/blobtree/diag"
)

var errDecodeFailed = errors.New("decode failed")

type decodeOptions struct {
	format     string
	offset     string
	descs      []string
	zstd       bool
	cacheDir   string
	maxSteps   uint64
	asJSON     bool
	cpuProfile string
}

func newDecodeCmd(opts *globalOptions) *cobra.Command {
	do := &decodeOptions{}
	cmd := &cobra.Command{
		Use:   "decode <file|url|host/repo@digest>",
		Short: "Decode a blob and print its chunk tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecode(cmd, opts, do, args[0])
		},
	}
	f := cmd.Flags()
	f.StringVarP(&do.format, "format", "f", "", "format to decode (see 'blobtree formats')")
	f.StringVar(&do.offset, "offset", "0", "start offset, decimal or 0x-prefixed")
	f.StringSliceVar(&do.descs, "desc", nil, "HCL format description file (repeatable)")
	f.BoolVar(&do.zstd, "zstd", false, "decompress a zstd-compressed local file first")
	f.StringVar(&do.cacheDir, "cache-dir", "", "snapshot cache directory")
	f.Uint64Var(&do.maxSteps, "max-steps", 0, "step budget (0 keeps the configured value)")
	f.BoolVar(&do.asJSON, "json", false, "print the result as JSON")
	f.StringVar(&do.cpuProfile, "cpuprofile", "", "write a CPU profile to this file")
	_ = cmd.MarkFlagRequired("format") //nolint:errcheck // flag is defined above
	return cmd
}

func runDecode(cmd *cobra.Command, opts *globalOptions, do *decodeOptions, arg string) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	cfg.Formats.Descriptions = append(cfg.Formats.Descriptions, do.descs...)
	if do.cacheDir != "" {
		cfg.Cache.Dir = do.cacheDir
	}
	if do.maxSteps > 0 {
		cfg.Decode.MaxSteps = do.maxSteps
	}
	offset, err := strconv.ParseUint(do.offset, 0, 64)
	if err != nil {
		return fmt.Errorf("bad offset %q: %w", do.offset, err)
	}

	if do.cpuProfile != "" {
		pf, err := os.Create(do.cpuProfile)
		if err != nil {
			return err
		}
		defer pf.Close()
		if err := pprof.StartCPUProfile(pf); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	logger := newLogger(cfg, cmd.ErrOrStderr())
	cs, err := openCaches(cfg)
	if err != nil {
		return err
	}
	engine, err := newEngine(cfg, cs.snapshots, logger)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	src, closeSrc, err := openBlob(ctx, blobFromArg(arg, do.zstd), cs.blocks)
	if err != nil {
		return err
	}
	defer closeSrc() //nolint:errcheck // read-only source

	res, err := engine.Decode(ctx, src, do.format, decoder.At(offset))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if do.asJSON {
		err = writeJSON(out, res)
	} else {
		err = writeText(out, res)
	}
	if err != nil {
		return err
	}
	if res.Status == diag.StatusFailed {
		if first := res.Err(); first != nil {
			return fmt.Errorf("%w: %w", errDecodeFailed, first)
		}
		return errDecodeFailed
	}
	return nil
}

// jsonNode is the JSON form of a decoded chunk.
type jsonNode struct {
	ID       chunk.ID     `json:"id"`
	Type     string       `json:"type"`
	Name     string       `json:"name,omitempty"`
	Start    uint64       `json:"start"`
	End      uint64       `json:"end"`
	Value    *chunk.Value `json:"value,omitempty"`
	Partial  bool         `json:"partial,omitempty"`
	Children []*jsonNode  `json:"children,omitempty"`
}

type jsonResult struct {
	Format      string            `json:"format"`
	Blob        string            `json:"blob"`
	Start       uint64            `json:"start"`
	Status      diag.Status       `json:"status"`
	Phases      []string          `json:"phases,omitempty"`
	Phase       string            `json:"phase,omitempty"`
	Diagnostics []diag.Diagnostic `json:"diagnostics,omitempty"`
	Steps       uint64            `json:"steps"`
	Cached      bool              `json:"cached"`
	Tree        *jsonNode         `json:"tree,omitempty"`
}

func toJSONNode(n *chunk.Node) *jsonNode {
	if n == nil {
		return nil
	}
	j := &jsonNode{
		ID:      n.ID,
		Type:    n.Type,
		Name:    n.Name,
		Start:   n.Range.Start,
		End:     n.Range.End,
		Value:   n.Value,
		Partial: n.Partial,
	}
	for _, c := range n.Children {
		j.Children = append(j.Children, toJSONNode(c))
	}
	return j
}

func writeJSON(w io.Writer, res *decoder.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonResult{
		Format:      res.Format,
		Blob:        res.Blob,
		Start:       res.Start,
		Status:      res.Status,
		Phases:      res.Phases,
		Phase:       res.Phase,
		Diagnostics: res.Diagnostics,
		Steps:       res.Steps,
		Cached:      res.Cached,
		Tree:        toJSONNode(res.Tree),
	})
}

// writeText prints one line per chunk, indented by depth, followed by a
// summary and the diagnostics.
func writeText(w io.Writer, res *decoder.Result) error {
	var sb strings.Builder
	if res.Tree != nil {
		res.Tree.Walk(func(n *chunk.Node, depth int) bool {
			sb.WriteString(strings.Repeat("  ", depth))
			sb.WriteString(n.Type)
			if n.Name != "" && n.Name != n.Type {
				sb.WriteString(" " + n.Name)
			}
			sb.WriteString(" " + n.Range.String())
			if n.Value != nil {
				sb.WriteString(" = " + n.Value.String())
			}
			if n.Partial {
				sb.WriteString(" (partial)")
			}
			sb.WriteByte('\n')
			return true
		})
	}
	fmt.Fprintf(&sb, "status: %s, %d chunks, %d steps", res.Status, res.Chunks(), res.Steps)
	if res.Cached {
		sb.WriteString(", cached")
	}
	sb.WriteByte('\n')
	for _, d := range res.Diagnostics {
		sb.WriteString("diagnostic: " + d.String() + "\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
