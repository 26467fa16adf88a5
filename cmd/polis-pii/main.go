// Package main is the entry point for the polis-pii binary.
// It scans and masks PII in files or stdin and serves the HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/polisai/polis-pii/pkg/config"
	"github.com/polisai/polis-pii/pkg/engine"
	"github.com/polisai/polis-pii/pkg/logging"
	"github.com/polisai/polis-pii/pkg/pii"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	formatAuto = "auto"
	formatJSON = "json"
	formatYAML = "yaml"
)

// errDetected is returned by scan --exit-code when PII was found.
var errDetected = errors.New("pii detected")

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	PolicyPath string
	ConfigPath string
	LogLevel   string
	Pretty     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errDetected) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-pii
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "polis-pii",
		Short: "PII detection and masking for text and structured documents",
		Long: `Detects personally identifiable information in free text and in JSON/YAML
documents, and masks it according to a policy.

Examples:
  polis-pii scan notes.txt
  polis-pii mask --policy policy.yaml --document users.json
  cat access.log | polis-pii mask --stream
  polis-pii serve --config config.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.PolicyPath, "policy", "p", "", "Path to policy file (YAML or JSON); overrides policy.file from --config")
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to configuration file (YAML)")
	flags.StringVarP(&opts.LogLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.Pretty, "pretty", false, "Enable human-readable log output")

	rootCmd.AddCommand(newScanCmd(opts), newMaskCmd(opts), newServeCmd(opts))
	return rootCmd
}

// loadConfig reads --config and folds the persistent flags over it.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.PolicyPath != "" {
		cfg.Policy.File = opts.PolicyPath
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Logging.Pretty = opts.Pretty
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	return logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})
}

func streamOptions(cfg *config.Config) pii.StreamOptions {
	return pii.StreamOptions{
		ChunkSize:    cfg.Stream.ChunkSize,
		Overlap:      cfg.Stream.Overlap,
		MaxReadBytes: cfg.Stream.MaxReadBytes,
		MaxFindings:  cfg.Stream.MaxFindings,
	}
}

// buildEngine compiles the configured policy once for a single CLI invocation.
func buildEngine(cfg *config.Config, logger *slog.Logger) (*engine.Engine, error) {
	policy, err := config.LoadPolicy(cfg.Policy.File)
	if err != nil {
		return nil, err
	}
	opts, err := policy.PIIOptions(cfg.Policy.HashSalt)
	if err != nil {
		return nil, err
	}
	return engine.New(opts, engine.Config{
		Logger:     logger,
		PolicyName: policy.Name,
		Stream:     streamOptions(cfg),
	})
}

// setup is the common prologue of scan and mask.
func setup(cmd *cobra.Command, opts *rootOptions) (*engine.Engine, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd, cfg)
	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("Policy loaded", "policy", eng.PolicyName(), "categories", len(eng.Categories()))
	return eng, nil
}

// openInput returns the named file, or stdin for no argument or "-".
func openInput(cmd *cobra.Command, args []string) (io.ReadCloser, string, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.NopCloser(cmd.InOrStdin()), "", nil
	}
	//nolint:gosec // Input path is supplied by the operator
	f, err := os.Open(args[0])
	if err != nil {
		return nil, "", fmt.Errorf("failed to open input: %w", err)
	}
	return f, args[0], nil
}

func newScanCmd(opts *rootOptions) *cobra.Command {
	var (
		document bool
		format   string
		exitCode bool
	)

	cmd := &cobra.Command{
		Use:   "scan [file]",
		Short: "Print detections found in a file or stdin as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			in, name, err := openInput(cmd, args)
			if err != nil {
				return err
			}
			defer func() { _ = in.Close() }()

			ctx := cmd.Context()
			var dets []pii.Detection
			if document {
				doc, _, err := readDocument(in, resolveFormat(format, name))
				if err != nil {
					return err
				}
				dets, err = eng.DetectDocument(ctx, doc)
				if err != nil {
					return err
				}
			} else {
				text, err := io.ReadAll(in)
				if err != nil {
					return fmt.Errorf("failed to read input: %w", err)
				}
				dets, err = eng.Detect(ctx, string(text))
				if err != nil {
					return err
				}
			}

			if dets == nil {
				dets = []pii.Detection{}
			}
			if err := writeJSON(cmd.OutOrStdout(), engine.DetectResponse{Policy: eng.PolicyName(), Detections: dets}); err != nil {
				return err
			}
			if exitCode && len(dets) > 0 {
				return errDetected
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&document, "document", "d", false, "Treat input as a JSON or YAML document")
	cmd.Flags().StringVar(&format, "format", formatAuto, "Document format (auto, json, yaml)")
	cmd.Flags().BoolVar(&exitCode, "exit-code", false, "Exit with status 2 when any PII is found")
	return cmd
}

func newMaskCmd(opts *rootOptions) *cobra.Command {
	var (
		document bool
		format   string
		stream   bool
		sse      bool
	)

	cmd := &cobra.Command{
		Use:   "mask [file]",
		Short: "Print the input with PII masked",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			in, name, err := openInput(cmd, args)
			if err != nil {
				return err
			}
			defer func() { _ = in.Close() }()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			switch {
			case stream:
				_, err := eng.RedactStream(ctx, in, out)
				return err
			case sse:
				_, err := eng.RedactSSE(ctx, in, out)
				return err
			case document:
				return maskDocument(ctx, eng, in, out, resolveFormat(format, name))
			default:
				text, err := io.ReadAll(in)
				if err != nil {
					return fmt.Errorf("failed to read input: %w", err)
				}
				res, err := eng.Redact(ctx, string(text))
				if err != nil {
					return err
				}
				_, err = io.WriteString(out, res.Text)
				return err
			}
		},
	}

	cmd.Flags().BoolVarP(&document, "document", "d", false, "Treat input as a JSON or YAML document")
	cmd.Flags().StringVar(&format, "format", formatAuto, "Document format (auto, json, yaml)")
	cmd.Flags().BoolVar(&stream, "stream", false, "Mask input chunk by chunk without buffering it whole")
	cmd.Flags().BoolVar(&sse, "sse", false, "Treat input as a Server-Sent Events stream and mask data lines")
	cmd.MarkFlagsMutuallyExclusive("document", "stream", "sse")
	return cmd
}

func maskDocument(ctx context.Context, eng *engine.Engine, in io.Reader, out io.Writer, format string) error {
	doc, format, err := readDocument(in, format)
	if err != nil {
		return err
	}
	res, err := eng.RedactDocument(ctx, doc)
	if err != nil {
		return err
	}
	if format == formatYAML {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(res.Document); err != nil {
			return fmt.Errorf("failed to encode document: %w", err)
		}
		return enc.Close()
	}
	return writeJSON(out, res.Document)
}

// resolveFormat picks a document format, inferring it from the file extension for auto.
func resolveFormat(format, name string) string {
	if format != formatAuto {
		return format
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

// readDocument decodes a JSON document into plain Go values with json.Number scalars,
// or a YAML document into a node tree so key order and comments survive masking.
func readDocument(in io.Reader, format string) (any, string, error) {
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read input: %w", err)
	}

	switch format {
	case formatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			return nil, "", fmt.Errorf("failed to parse JSON document: %w", err)
		}
		if dec.More() {
			return nil, "", errors.New("failed to parse JSON document: trailing data")
		}
		return doc, format, nil
	case formatYAML:
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return nil, "", fmt.Errorf("failed to parse YAML document: %w", err)
		}
		if node.Kind == 0 {
			return nil, "", errors.New("failed to parse YAML document: empty input")
		}
		return &node, format, nil
	default:
		return nil, "", fmt.Errorf("unknown document format %q (expected auto, json or yaml)", format)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
