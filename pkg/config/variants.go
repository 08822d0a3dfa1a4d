package config

import (
	"sort"
)

// Family selects the architecture definition the toolchain instantiates.
type Family string

const (
	FamilyDepthAnythingV2 Family = "depth-anything-v2"
	FamilyMiDaS           Family = "midas"
)

// Variant describes one supported checkpoint: its architecture record, where
// its weights and architecture source come from, and export defaults.
type Variant struct {
	Name   string
	Family Family

	// Architecture record handed to the model constructor.
	Encoder     string
	Features    int
	OutChannels []int

	PatchSize  int
	FixedInput int // non-zero when the backbone only accepts one spatial size

	DefaultInput int
	DefaultOpset int
	OutputName   string

	Checkpoint    string // expected weights filename
	CheckpointURL string
	SourceRepo    string
	SourceDir     string

	// MinExportBytes is the smallest plausible interchange file for this
	// variant. Smaller exports are reported as suspicious.
	MinExportBytes int64
}

const mb = 1 << 20

var variants = map[string]Variant{
	"vits": {
		Name:           "vits",
		Family:         FamilyDepthAnythingV2,
		Encoder:        "vits",
		Features:       64,
		OutChannels:    []int{48, 96, 192, 384},
		PatchSize:      14,
		DefaultInput:   252,
		DefaultOpset:   17,
		OutputName:     "depth",
		Checkpoint:     "depth_anything_v2_vits.pth",
		CheckpointURL:  "https://huggingface.co/depth-anything/Depth-Anything-V2-Small/resolve/main/depth_anything_v2_vits.pth",
		SourceRepo:     "https://github.com/DepthAnything/Depth-Anything-V2.git",
		SourceDir:      "Depth-Anything-V2",
		MinExportBytes: 10 * mb,
	},
	"vitb": {
		Name:           "vitb",
		Family:         FamilyDepthAnythingV2,
		Encoder:        "vitb",
		Features:       128,
		OutChannels:    []int{96, 192, 384, 768},
		PatchSize:      14,
		DefaultInput:   252,
		DefaultOpset:   17,
		OutputName:     "depth",
		Checkpoint:     "depth_anything_v2_vitb.pth",
		CheckpointURL:  "https://huggingface.co/depth-anything/Depth-Anything-V2-Base/resolve/main/depth_anything_v2_vitb.pth",
		SourceRepo:     "https://github.com/DepthAnything/Depth-Anything-V2.git",
		SourceDir:      "Depth-Anything-V2",
		MinExportBytes: 50 * mb,
	},
	"vitl": {
		Name:           "vitl",
		Family:         FamilyDepthAnythingV2,
		Encoder:        "vitl",
		Features:       256,
		OutChannels:    []int{256, 512, 1024, 1024},
		PatchSize:      14,
		DefaultInput:   518,
		DefaultOpset:   17,
		OutputName:     "depth",
		Checkpoint:     "depth_anything_v2_vitl.pth",
		CheckpointURL:  "https://huggingface.co/depth-anything/Depth-Anything-V2-Large/resolve/main/depth_anything_v2_vitl.pth",
		SourceRepo:     "https://github.com/DepthAnything/Depth-Anything-V2.git",
		SourceDir:      "Depth-Anything-V2",
		MinExportBytes: 150 * mb,
	},
	"midas-swin2-tiny-256": {
		Name:           "midas-swin2-tiny-256",
		Family:         FamilyMiDaS,
		Encoder:        "swin2t16_256",
		PatchSize:      32,
		FixedInput:     256,
		DefaultInput:   256,
		DefaultOpset:   14,
		OutputName:     "output",
		Checkpoint:     "dpt_swin2_tiny_256.pt",
		CheckpointURL:  "https://github.com/isl-org/MiDaS/releases/download/v3_1/dpt_swin2_tiny_256.pt",
		SourceRepo:     "https://github.com/isl-org/MiDaS.git",
		SourceDir:      "MiDaS",
		MinExportBytes: 10 * mb,
	},
}

// LookupVariant returns the variant registered under name.
func LookupVariant(name string) (Variant, bool) {
	v, ok := variants[name]
	if !ok {
		return Variant{}, false
	}
	v.OutChannels = append([]int(nil), v.OutChannels...)
	return v, true
}

// Variants returns all registered variants sorted by name.
func Variants() []Variant {
	out := make([]Variant, 0, len(variants))
	for name := range variants {
		v, _ := LookupVariant(name)
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// VariantNames returns the registered variant names, sorted.
func VariantNames() []string {
	vs := Variants()
	names := make([]string, len(vs))
	for i, v := range vs {
		names[i] = v.Name
	}
	return names
}

// Stem is the base name used for derived artifact filenames.
func (v Variant) Stem() string {
	switch v.Family {
	case FamilyMiDaS:
		return "dpt_" + v.Encoder
	default:
		return "depth_anything_v2_" + v.Encoder
	}
}
