package nn

import (
	"fmt"
	"math"
	"math/rand"

	"scoreprior/internal/tensor"
)

// Config is the architectural surface of the backbone.
type Config struct {
	InChannels  int         `json:"in_channels"`
	OutChannels int         `json:"out_channels"`
	HidChannels []int       `json:"hid_channels"`
	HidBlocks   []int       `json:"hid_blocks"`
	KernelSize  [2]int      `json:"kernel_size"`
	EmbFeatures int         `json:"emb_features"`
	Heads       map[int]int `json:"heads"`
	Dropout     float64     `json:"dropout"`
}

func (c Config) validate() error {
	if len(c.HidChannels) == 0 || len(c.HidChannels) != len(c.HidBlocks) {
		return fmt.Errorf("nn: hid_channels (%d) and hid_blocks (%d) must be non-empty and equal length",
			len(c.HidChannels), len(c.HidBlocks))
	}
	if c.EmbFeatures < 4 || c.EmbFeatures%2 != 0 {
		return fmt.Errorf("nn: emb_features must be even and >= 4, got %d", c.EmbFeatures)
	}
	for stage, heads := range c.Heads {
		if stage < 0 || stage >= len(c.HidChannels) {
			return fmt.Errorf("nn: heads configured for stage %d, have %d stages", stage, len(c.HidChannels))
		}
		if heads < 1 {
			return fmt.Errorf("nn: stage %d needs at least one head, got %d", stage, heads)
		}
		if c.HidChannels[stage]%heads != 0 {
			return fmt.Errorf("nn: stage %d channels %d not divisible by %d heads", stage, c.HidChannels[stage], heads)
		}
	}
	return nil
}

// UNet is the hierarchical noise-conditional backbone: descending stages of
// residual (and configured attention) blocks with strided-conv downsampling,
// an ascending mirror with nearest-upsample projections and skip additions.
// The deepest stage's representation passes straight through without a skip.
type UNet struct {
	Cfg Config

	emb1, emb2 *Linear
	descent    [][]Block
	ascent     [][]Block

	leaves []*Leaf
}

// NewUNet builds the backbone, drawing all initial weights from rng.
func NewUNet(cfg Config, rng *rand.Rand) (*UNet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	kh, kw := cfg.KernelSize[0], cfg.KernelSize[1]
	u := &UNet{
		Cfg:  cfg,
		emb1: NewLinear("emb.fc1", cfg.EmbFeatures, cfg.EmbFeatures, rng),
		emb2: NewLinear("emb.fc2", cfg.EmbFeatures, cfg.EmbFeatures, rng),
	}

	stages := len(cfg.HidChannels)
	for i := 0; i < stages; i++ {
		var down, up []Block

		if i == 0 {
			down = append(down, NewConv(fmt.Sprintf("descent.%d.proj", i), cfg.InChannels, cfg.HidChannels[0], kh, kw, 1, rng))
		} else {
			down = append(down, NewConv(fmt.Sprintf("descent.%d.proj", i), cfg.HidChannels[i-1], cfg.HidChannels[i], kh, kw, 2, rng))
		}
		heads, attend := cfg.Heads[i]
		if attend {
			down = append(down, PosEmbedding{})
		}
		for b := 0; b < cfg.HidBlocks[i]; b++ {
			down = append(down, NewResBlock(fmt.Sprintf("descent.%d.res.%d", i, b), cfg.HidChannels[i], cfg.EmbFeatures, kh, kw, cfg.Dropout, rng))
			up = append(up, NewResBlock(fmt.Sprintf("ascent.%d.res.%d", i, b), cfg.HidChannels[i], cfg.EmbFeatures, kh, kw, cfg.Dropout, rng))
			if attend {
				down = append(down, NewAttBlock(fmt.Sprintf("descent.%d.att.%d", i, b), cfg.HidChannels[i], cfg.EmbFeatures, heads, rng))
				up = append(up, NewAttBlock(fmt.Sprintf("ascent.%d.att.%d", i, b), cfg.HidChannels[i], cfg.EmbFeatures, heads, rng))
			}
		}
		if i > 0 {
			up = append(up, NewUpsample(fmt.Sprintf("ascent.%d.up", i), cfg.HidChannels[i], cfg.HidChannels[i-1], kh, kw, 2, rng))
		} else {
			up = append(up, NewLinear(fmt.Sprintf("ascent.%d.proj", i), cfg.HidChannels[0], cfg.OutChannels, rng))
		}

		u.descent = append(u.descent, down)
		u.ascent = append([][]Block{up}, u.ascent...)
	}

	u.leaves = append(u.leaves, u.emb1.Leaves()...)
	u.leaves = append(u.leaves, u.emb2.Leaves()...)
	for _, stage := range u.descent {
		for _, b := range stage {
			u.leaves = append(u.leaves, b.Leaves()...)
		}
	}
	for _, stage := range u.ascent {
		for _, b := range stage {
			u.leaves = append(u.leaves, b.Leaves()...)
		}
	}
	return u, nil
}

// Leaves returns the ordered parameter tree.
func (u *UNet) Leaves() []*Leaf { return u.leaves }

// NumParams counts scalar parameters.
func (u *UNet) NumParams() int {
	n := 0
	for _, l := range u.leaves {
		n += len(l.Value)
	}
	return n
}

// Forward runs the backbone on one [H, W, C] sample at noise level t,
// returning a same-shaped residual prediction. A nil trace is an inference
// pass; a training trace records the tape and enables dropout.
func (u *UNet) Forward(tr *Trace, x *tensor.Tensor, t float64) *Var {
	temb := u.embed(tr, t)

	v := NewVar(x)
	memory := make([]*Var, 0, len(u.descent))
	for _, stage := range u.descent {
		for _, block := range stage {
			v = block.Apply(tr, v, temb)
		}
		memory = append(memory, v)
	}

	for _, stage := range u.ascent {
		y := memory[len(memory)-1]
		memory = memory[:len(memory)-1]
		if v != y {
			v = addVar(tr, v, y)
		}
		for _, block := range stage {
			v = block.Apply(tr, v, temb)
		}
	}
	return v
}

// embed lifts the scalar noise level to the embedding the modulation blocks
// consume: fixed sine/cosine features through a two-layer feed-forward.
func (u *UNet) embed(tr *Trace, t float64) *Var {
	emb := u.Cfg.EmbFeatures
	half := emb / 2
	feats := tensor.New(emb)
	for k := 0; k < half; k++ {
		w := math.Pow(1e4, float64(k)/float64(half))
		feats.Data[2*k] = math.Sin(w * t)
		feats.Data[2*k+1] = math.Cos(w * t)
	}
	h := u.emb1.Apply(tr, NewVar(feats), nil)
	h = siLU(tr, h)
	return u.emb2.Apply(tr, h, nil)
}
