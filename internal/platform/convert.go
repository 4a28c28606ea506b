package platform

import (
	"fmt"
	"math/rand"

	"scoreprior/internal/diffusion"
	"scoreprior/internal/model"
	"scoreprior/internal/nn"
)

// ArchFromConfig freezes an architecture into its persistable form.
func ArchFromConfig(cfg nn.Config) model.Arch {
	arch := model.Arch{
		InChannels:  cfg.InChannels,
		OutChannels: cfg.OutChannels,
		HidChannels: append([]int(nil), cfg.HidChannels...),
		HidBlocks:   append([]int(nil), cfg.HidBlocks...),
		KernelSize:  cfg.KernelSize,
		EmbFeatures: cfg.EmbFeatures,
		Dropout:     cfg.Dropout,
	}
	if len(cfg.Heads) > 0 {
		arch.Heads = make(map[int]int, len(cfg.Heads))
		for stage, heads := range cfg.Heads {
			arch.Heads[stage] = heads
		}
	}
	return arch
}

func ConfigFromArch(arch model.Arch) nn.Config {
	cfg := nn.Config{
		InChannels:  arch.InChannels,
		OutChannels: arch.OutChannels,
		HidChannels: append([]int(nil), arch.HidChannels...),
		HidBlocks:   append([]int(nil), arch.HidBlocks...),
		KernelSize:  arch.KernelSize,
		EmbFeatures: arch.EmbFeatures,
		Dropout:     arch.Dropout,
	}
	if len(arch.Heads) > 0 {
		cfg.Heads = make(map[int]int, len(arch.Heads))
		for stage, heads := range arch.Heads {
			cfg.Heads[stage] = heads
		}
	}
	return cfg
}

// ParamsFromLeaves snapshots the network parameters for checkpointing.
func ParamsFromLeaves(leaves []*nn.Leaf, values [][]float64) ([]model.Param, error) {
	if len(values) != len(leaves) {
		return nil, fmt.Errorf("platform: %d value slices for %d leaves", len(values), len(leaves))
	}
	params := make([]model.Param, len(leaves))
	for i, leaf := range leaves {
		if len(values[i]) != len(leaf.Value) {
			return nil, fmt.Errorf("platform: leaf %s: %d values, want %d", leaf.Name, len(values[i]), len(leaf.Value))
		}
		params[i] = model.Param{
			Name:   leaf.Name,
			Values: append([]float64(nil), values[i]...),
		}
	}
	return params, nil
}

// ApplyParams restores checkpointed parameters onto freshly built leaves.
// Leaf order and names must match the checkpoint exactly.
func ApplyParams(leaves []*nn.Leaf, params []model.Param) error {
	if len(params) != len(leaves) {
		return fmt.Errorf("platform: checkpoint has %d params, network has %d leaves", len(params), len(leaves))
	}
	for i, leaf := range leaves {
		p := params[i]
		if p.Name != leaf.Name {
			return fmt.Errorf("platform: param %d name mismatch: got=%s want=%s", i, p.Name, leaf.Name)
		}
		if len(p.Values) != len(leaf.Value) {
			return fmt.Errorf("platform: param %s: %d values, want %d", p.Name, len(p.Values), len(leaf.Value))
		}
		copy(leaf.Value, p.Values)
	}
	return nil
}

// DenoiserFromCheckpoint rebuilds the network in a lap's terminal state. The
// EMA-averaged parameters are restored; the raw ones only seed further
// training.
func DenoiserFromCheckpoint(cp model.Checkpoint, rng *rand.Rand) (*diffusion.Denoiser, error) {
	sched, err := diffusion.ScheduleByName(cp.Schedule)
	if err != nil {
		return nil, err
	}
	network, err := nn.NewUNet(ConfigFromArch(cp.Arch), rng)
	if err != nil {
		return nil, err
	}
	if err := ApplyParams(network.Leaves(), cp.EMA); err != nil {
		return nil, err
	}
	d := diffusion.NewDenoiser(network, sched, cp.Height, cp.Width, cp.Channels)
	return d.WithBaseline(cp.MuX)
}
