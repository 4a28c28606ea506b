package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const runIndexFile = "run_index.json"

type RunConfig struct {
	RunID       string  `json:"run_id"`
	Height      int     `json:"height"`
	Width       int     `json:"width"`
	Channels    int     `json:"channels"`
	Schedule    string  `json:"schedule"`
	Laps        int     `json:"laps"`
	Epochs      int     `json:"epochs"`
	BatchSize   int     `json:"batch_size"`
	LR          float64 `json:"lr"`
	LREnd       float64 `json:"lr_end,omitempty"`
	Scheduler   string  `json:"scheduler,omitempty"`
	Clip        float64 `json:"clip,omitempty"`
	EMADecay    float64 `json:"ema_decay"`
	SigmaY      float64 `json:"sigma_y"`
	SampleSteps int     `json:"sample_steps"`
	Eta         float64 `json:"eta,omitempty"`
	Rank        int     `json:"rank"`
	TrainSize   int     `json:"train_size"`
	TestSize    int     `json:"test_size"`
	Mask        string  `json:"mask,omitempty"`
	Seed        int64   `json:"seed"`
	Workers     int     `json:"workers"`
}

// LapHistory is one lap's per-epoch training and validation losses.
type LapHistory struct {
	Lap       int       `json:"lap"`
	Losses    []float64 `json:"losses"`
	ValLosses []float64 `json:"val_losses,omitempty"`
	FinalLoss float64   `json:"final_loss"`
	FinalVal  float64   `json:"final_val,omitempty"`
}

// MomentRecord captures the analytic baseline fitted ahead of lap zero.
type MomentRecord struct {
	Dim      int       `json:"dim"`
	Rank     int       `json:"rank"`
	Var      float64   `json:"var"`
	Iters    int       `json:"iters"`
	Mu       []float64 `json:"mu,omitempty"`
	Converge bool      `json:"converged"`
}

type SampleGrid struct {
	Lap      int         `json:"lap"`
	Height   int         `json:"height"`
	Width    int         `json:"width"`
	Channels int         `json:"channels"`
	Samples  [][]float64 `json:"samples"`
}

type RunArtifacts struct {
	Config       RunConfig      `json:"config"`
	Laps         []LapHistory   `json:"laps"`
	Moments      *MomentRecord  `json:"moments,omitempty"`
	Samples      []SampleGrid   `json:"samples,omitempty"`
	FinalValLoss float64        `json:"final_val_loss"`
	Extra        map[string]any `json:"extra,omitempty"`
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	Schedule     string  `json:"schedule"`
	Laps         int     `json:"laps"`
	Epochs       int     `json:"epochs"`
	Seed         int64   `json:"seed"`
	Workers      int     `json:"workers"`
	FinalValLoss float64 `json:"final_val_loss"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "loss_history.json"), map[string]any{"laps": artifacts.Laps, "final_val_loss": artifacts.FinalValLoss}); err != nil {
		return "", err
	}
	if artifacts.Moments != nil {
		if err := writeJSON(filepath.Join(runDir, "moments.json"), artifacts.Moments); err != nil {
			return "", err
		}
	}
	if len(artifacts.Samples) > 0 {
		if err := writeJSON(filepath.Join(runDir, "samples.json"), artifacts.Samples); err != nil {
			return "", err
		}
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	files := []string{"config.json", "loss_history.json"}
	for _, file := range files {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, optional := range []string{"moments.json", "samples.json", "loss_series.csv"} {
		path := filepath.Join(src, optional)
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, filepath.Join(dst, optional)); err != nil {
				return "", err
			}
		} else if err != nil && !os.IsNotExist(err) {
			return "", err
		}
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	path := filepath.Join(baseDir, runID, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RunConfig{}, false, nil
		}
		return RunConfig{}, false, err
	}

	var cfg RunConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, false, err
	}
	return cfg, true, nil
}

func WriteRunConfig(baseDir, runID string, cfg RunConfig) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = strings.TrimSpace(runID)
	}
	if cfg.RunID != strings.TrimSpace(runID) {
		return fmt.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, strings.TrimSpace(runID))
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, "config.json"), cfg)
}

func ReadLossHistory(baseDir, runID string) ([]LapHistory, bool, error) {
	path := filepath.Join(baseDir, runID, "loss_history.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var payload struct {
		Laps []LapHistory `json:"laps"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, false, err
	}
	return payload.Laps, true, nil
}

// WriteLossSeries flattens the per-lap histories into one CSV for plotting.
func WriteLossSeries(runDir string, laps []LapHistory) error {
	path := filepath.Join(runDir, "loss_series.csv")
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"lap", "epoch", "loss", "val_loss"}); err != nil {
		return err
	}
	for _, lap := range laps {
		for i, loss := range lap.Losses {
			val := ""
			if i < len(lap.ValLosses) {
				val = strconv.FormatFloat(lap.ValLosses[i], 'f', -1, 64)
			}
			if err := writer.Write([]string{
				strconv.Itoa(lap.Lap),
				strconv.Itoa(i + 1),
				strconv.FormatFloat(loss, 'f', -1, 64),
				val,
			}); err != nil {
				return err
			}
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadLossSeries(baseDir, runID string) ([]float64, bool, error) {
	path := filepath.Join(baseDir, runID, "loss_series.csv")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 3 {
		return nil, false, fmt.Errorf("loss series header must have at least 3 columns")
	}

	series := make([]float64, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 3 {
			return nil, false, fmt.Errorf("loss series row must have at least 3 columns")
		}
		value, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
