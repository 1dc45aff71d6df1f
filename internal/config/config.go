// Package config parses the key-value configuration map spec §6 accepts
// at backend setup into a validated Options struct, representing the
// permitted per-tensor attribute set as an enumerated mapping that
// rejects unknown values (spec §9 "Config parsing").
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/YSDB/he-transformer-research/internal/heerrors"
	"github.com/YSDB/he-transformer-research/internal/heparams"
)

// TensorAttr is the closed set of per-tensor attribute values spec §6
// defines.
type TensorAttr string

const (
	AttrClientInput TensorAttr = "client_input"
	AttrEncrypt     TensorAttr = "encrypt"
	AttrPacked      TensorAttr = "packed"
)

var validAttrs = map[TensorAttr]bool{
	AttrClientInput: true,
	AttrEncrypt:     true,
	AttrPacked:      true,
}

// reservedKeys are the non-tensor-name keys spec §6 defines.
const (
	keyEnableClient         = "enable_client"
	keyEnableGC             = "enable_gc"
	keyEncryptionParameters = "encryption_parameters"
)

// Options is the validated configuration the executor and session read,
// derived from the raw key-value map spec §6 accepts.
type Options struct {
	TensorAttrs  map[string]map[TensorAttr]bool
	EnableClient bool
	EnableGC     bool
	Params       heparams.Parameters
}

// HasAttr reports whether tensor carries attr.
func (o *Options) HasAttr(tensor string, attr TensorAttr) bool {
	return o.TensorAttrs[tensor][attr]
}

// Parse validates raw per spec §6's "Configuration entries" table. Values
// for reserved keys are parsed according to their documented type; values
// for any other key are treated as a tensor name and split on commas into
// the enumerated TensorAttr set, rejecting any value outside it.
func Parse(raw map[string]string) (*Options, error) {
	defaultParams, err := heparams.FromLiteral(heparams.Default())
	if err != nil {
		return nil, heerrors.Wrap(heerrors.InvalidParameters, "config.Parse", "deriving default parameters: %w", err)
	}
	opts := &Options{
		TensorAttrs: make(map[string]map[TensorAttr]bool),
		Params:      defaultParams,
	}

	var encParamsRaw string
	haveEncParams := false

	for key, value := range raw {
		switch key {
		case keyEnableClient:
			b, err := parseBool(key, value)
			if err != nil {
				return nil, err
			}
			opts.EnableClient = b

		case keyEnableGC:
			b, err := parseBool(key, value)
			if err != nil {
				return nil, err
			}
			opts.EnableGC = b

		case keyEncryptionParameters:
			encParamsRaw = value
			haveEncParams = true

		default:
			attrs, err := parseAttrs(key, value)
			if err != nil {
				return nil, err
			}
			opts.TensorAttrs[key] = attrs
		}
	}

	if haveEncParams {
		lit, err := heparams.LoadLiteral(encParamsRaw)
		if err != nil {
			return nil, heerrors.Wrap(heerrors.InvalidParameters, "config.Parse", "encryption_parameters: %w", err)
		}
		p, err := heparams.FromLiteral(lit)
		if err != nil {
			return nil, heerrors.Wrap(heerrors.InvalidParameters, "config.Parse", "encryption_parameters: %w", err)
		}
		opts.Params = p
	}

	return opts, nil
}

func parseBool(key, value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, heerrors.Wrap(heerrors.InvalidParameters, "config.Parse", "%s: expected \"True\"/\"False\", got %q", key, value)
	}
}

func parseAttrs(tensorName, value string) (map[TensorAttr]bool, error) {
	attrs := make(map[TensorAttr]bool)
	for _, part := range strings.Split(value, ",") {
		attr := TensorAttr(strings.TrimSpace(part))
		if !validAttrs[attr] {
			return nil, heerrors.Wrap(heerrors.InvalidParameters, "config.Parse",
				"tensor %q: unknown attribute %q (valid: client_input, encrypt, packed)", tensorName, attr)
		}
		attrs[attr] = true
	}
	return attrs, nil
}

// VerboseOps parses NGRAPH_HE_VERBOSE_OPS (spec §6): a comma list of op
// names, or "all". An empty env var means no verbose op logging.
func VerboseOps() (all bool, ops map[string]bool) {
	raw := os.Getenv("NGRAPH_HE_VERBOSE_OPS")
	if raw == "" {
		return false, nil
	}
	if raw == "all" {
		return true, nil
	}
	ops = make(map[string]bool)
	for _, op := range strings.Split(raw, ",") {
		ops[strings.TrimSpace(op)] = true
	}
	return false, ops
}

// LogLevel parses NGRAPH_HE_LOG_LEVEL (spec §6), defaulting to 0.
func LogLevel() int {
	raw := os.Getenv("NGRAPH_HE_LOG_LEVEL")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// LazyMod parses LAZY_MOD (spec §6), defaulting to false.
func LazyMod() bool {
	return strings.EqualFold(os.Getenv("LAZY_MOD"), "true")
}
