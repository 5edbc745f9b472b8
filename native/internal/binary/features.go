package binary

// Features is the set of enabled proposals. Bit positions follow
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

// FeatureNames lists the proposal names in bit order.
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

// DefaultFeatures are enabled unless switched off.
const DefaultFeatures = FeatureMutableGlobals | FeatureSatFloatToInt | FeatureSignExtension |
	FeatureSIMD | FeatureMultiValue | FeatureBulkMemory | FeatureReferenceTypes

// Has reports whether every feature in f is enabled.
func (f Features) Has(g Features) bool { return f&g == g }

// Name returns the proposal name of a single feature bit.
func (f Features) Name() string {
	for i, name := range FeatureNames {
		if f == 1<<i {
			return name
		}
	}
	return "<unknown>"
}
