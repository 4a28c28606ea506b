package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	scoreapi "scoreprior/pkg/scoreprior"
)

func loadRunRequestFromConfig(path string) (scoreapi.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return scoreapi.RunRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return scoreapi.RunRequest{}, err
	}

	var req scoreapi.RunRequest
	if v, ok := asString(raw["run_id"]); ok {
		req.RunID = v
	}
	if v, ok := asInt(raw["height"]); ok {
		req.Height = v
	}
	if v, ok := asInt(raw["width"]); ok {
		req.Width = v
	}
	if v, ok := asInt(raw["channels"]); ok {
		req.Channels = v
	}
	if v, ok := asString(raw["schedule"]); ok {
		req.Schedule = v
	}
	if v, ok := asInt(raw["laps"]); ok {
		req.Laps = v
	}
	if v, ok := asString(raw["observations"]); ok {
		req.ObservationsPath = v
	}
	if v, ok := asIntSlice(raw["hid_channels"]); ok {
		req.HidChannels = v
	}
	if v, ok := asIntSlice(raw["hid_blocks"]); ok {
		req.HidBlocks = v
	}
	if v, ok := asIntSlice(raw["kernel_size"]); ok && len(v) == 2 {
		req.KernelSize = [2]int{v[0], v[1]}
	}
	if v, ok := asInt(raw["emb_features"]); ok {
		req.EmbFeatures = v
	}
	if v, ok := asHeads(raw["heads"]); ok {
		req.Heads = v
	}
	if v, ok := asFloat64(raw["dropout"]); ok {
		req.Dropout = v
	}
	if v, ok := asInt(raw["rank"]); ok {
		req.Rank = v
	}
	if v, ok := asFloat64(raw["sigma_y"]); ok {
		req.SigmaY = v
	}
	if v, ok := asInt(raw["moment_steps"]); ok {
		req.MomentSteps = v
	}
	if v, ok := asInt(raw["moment_maxiter"]); ok {
		req.MomentMaxIter = v
	}
	if v, ok := asFloat64(raw["moment_tol"]); ok {
		req.MomentTol = v
	}
	if v, ok := asInt(raw["sample_steps"]); ok {
		req.SampleSteps = v
	}
	if v, ok := asFloat64(raw["eta"]); ok {
		req.Eta = v
	}
	if v, ok := asInt(raw["train_size"]); ok {
		req.TrainSize = v
	}
	if v, ok := asInt(raw["test_size"]); ok {
		req.TestSize = v
	}
	if v, ok := asInt(raw["epochs"]); ok {
		req.Epochs = v
	}
	if v, ok := asInt(raw["batch_size"]); ok {
		req.BatchSize = v
	}
	if v, ok := asFloat64(raw["lr"]); ok {
		req.LR = v
	}
	if v, ok := asFloat64(raw["lr_end"]); ok {
		req.LREnd = v
	}
	if v, ok := asString(raw["scheduler"]); ok {
		req.Scheduler = v
	}
	if v, ok := asFloat64(raw["clip"]); ok {
		req.Clip = v
	}
	if v, ok := asFloat64(raw["ema_decay"]); ok {
		req.EMADecay = v
	}
	if v, ok := asInt(raw["eval_every"]); ok {
		req.EvalEvery = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	if v, ok := asInt(raw["workers"]); ok {
		req.Workers = v
	}

	return req, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

func asIntSlice(v any) ([]int, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	values := make([]int, 0, len(items))
	for _, item := range items {
		n, ok := asInt(item)
		if !ok {
			return nil, false
		}
		values = append(values, n)
	}
	return values, true
}

// asHeads parses {"stage": heads} maps; JSON object keys are strings.
func asHeads(v any) (map[int]int, bool) {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	heads := make(map[int]int, len(raw))
	for key, value := range raw {
		stage, err := strconv.Atoi(key)
		if err != nil {
			return nil, false
		}
		n, ok := asInt(value)
		if !ok {
			return nil, false
		}
		heads[stage] = n
	}
	return heads, true
}

func validateConfigShape(req scoreapi.RunRequest) error {
	if len(req.HidChannels) != len(req.HidBlocks) && len(req.HidBlocks) != 0 {
		return fmt.Errorf("hid_channels (%d) and hid_blocks (%d) must match", len(req.HidChannels), len(req.HidBlocks))
	}
	return nil
}
