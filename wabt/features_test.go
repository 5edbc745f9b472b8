package wabt

import (
	"testing"

	"github.com/wippyai/wabt-go/errors"
)

func TestFeatures(t *testing.T) {
	if len(FeatureNames) != 18 {
		t.Fatalf("%d feature names", len(FeatureNames))
	}
	if FeatureRelaxedSIMD != 1<<17 || AllFeatures&FeatureRelaxedSIMD == 0 {
		t.Error("bit order does not follow FeatureNames")
	}

	tests := []struct {
		f    Features
		want string
	}{
		{0, "none"},
		{FeatureSIMD, "simd"},
		{DefaultFeatures, "mutable_globals,sat_float_to_int,sign_extension,simd,multi_value,bulk_memory,reference_types"},
		{FeatureExceptions | 1<<30, "exceptions,<unknown>"},
	}
	for _, tt := range tests {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("String(%#x) = %q, want %q", uint32(tt.f), got, tt.want)
		}
	}

	if err := AllFeatures.Validate(); err != nil {
		t.Errorf("AllFeatures: %v", err)
	}
	err := Features(1 << 18).Validate()
	if !errors.Is(err, &errors.Error{Phase: errors.PhaseEncode, Kind: errors.KindRange}) {
		t.Errorf("out of mask: %v", err)
	}
}

func TestParseFeatures(t *testing.T) {
	tests := []struct {
		list string
		want Features
		ok   bool
	}{
		{"", 0, true},
		{"simd", FeatureSIMD, true},
		{"tail-call, gc", FeatureTailCall | FeatureGC, true},
		{"bulk_memory,,threads", FeatureBulkMemory | FeatureThreads, true},
		{"simd,warp-drive", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.list, func(t *testing.T) {
			got, err := ParseFeatures(tt.list)
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v, want ok %v", err, tt.ok)
			}
			if got != tt.want {
				t.Errorf("ParseFeatures(%q) = %s, want %s", tt.list, got, tt.want)
			}
		})
	}

	if !DefaultFeatures.Has(FeatureSIMD | FeatureMultiValue) {
		t.Error("defaults miss simd or multi_value")
	}
	if DefaultFeatures.Has(FeatureThreads) {
		t.Error("threads enabled by default")
	}
}
