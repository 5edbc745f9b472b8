package wabt

import (
	"math/bits"
	"strings"

	"github.com/wippyai/wabt-go/errors"
)

// Features is a set of WebAssembly proposals. Bit positions follow
// FeatureNames.
type Features uint32

const (
	FeatureExceptions Features = 1 << iota
	FeatureMutableGlobals
	FeatureSatFloatToInt
	FeatureSignExtension
	FeatureSIMD
	FeatureThreads
	FeatureFunctionReferences
	FeatureMultiValue
	FeatureTailCall
	FeatureBulkMemory
	FeatureReferenceTypes
	FeatureAnnotations
	FeatureCodeMetadata
	FeatureGC
	FeatureMemory64
	FeatureMultiMemory
	FeatureExtendedConst
	FeatureRelaxedSIMD
)

// FeatureNames lists proposal names in bit order. They double as the field
// names of the features struct.
var FeatureNames = []string{
	"exceptions",
	"mutable_globals",
	"sat_float_to_int",
	"sign_extension",
	"simd",
	"threads",
	"function_references",
	"multi_value",
	"tail_call",
	"bulk_memory",
	"reference_types",
	"annotations",
	"code_metadata",
	"gc",
	"memory64",
	"multi_memory",
	"extended_const",
	"relaxed_simd",
}

// AllFeatures is the mask of every known proposal.
const AllFeatures Features = 1<<18 - 1

// DefaultFeatures are the proposals enabled when nothing is requested.
const DefaultFeatures = FeatureMutableGlobals | FeatureSatFloatToInt | FeatureSignExtension |
	FeatureSIMD | FeatureMultiValue | FeatureBulkMemory | FeatureReferenceTypes

// Has reports whether every proposal in g is enabled.
func (f Features) Has(g Features) bool { return f&g == g }

// Validate rejects bits outside AllFeatures.
func (f Features) Validate() error {
	if extra := f &^ AllFeatures; extra != 0 {
		return errors.New(errors.PhaseEncode, errors.KindRange).
			Path("features").
			Value(uint32(f)).
			Detail("unknown feature bits %#x", uint32(extra)).
			Build()
	}
	return nil
}

// String lists the enabled proposals separated by commas.
func (f Features) String() string {
	if f == 0 {
		return "none"
	}
	names := make([]string, 0, bits.OnesCount32(uint32(f)))
	for i, name := range FeatureNames {
		if f.Has(1 << i) {
			names = append(names, name)
		}
	}
	if extra := f &^ AllFeatures; extra != 0 {
		names = append(names, "<unknown>")
	}
	return strings.Join(names, ",")
}

// ParseFeatures reads a comma separated list of proposal names. Dashes are
// accepted in place of underscores, as on the wabt command line.
func ParseFeatures(list string) (Features, error) {
	var f Features
	for _, name := range strings.Split(list, ",") {
		name = strings.ReplaceAll(strings.TrimSpace(name), "-", "_")
		if name == "" {
			continue
		}
		bit, ok := featureBit(name)
		if !ok {
			return 0, errors.NotFound(errors.PhaseEncode, "feature", name)
		}
		f |= bit
	}
	return f, nil
}

func featureBit(name string) (Features, bool) {
	for i, n := range FeatureNames {
		if n == name {
			return 1 << i, true
		}
	}
	return 0, false
}
