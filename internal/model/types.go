package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Arch mirrors the backbone's architectural configuration in persistable
// form.
type Arch struct {
	InChannels  int         `json:"in_channels"`
	OutChannels int         `json:"out_channels"`
	HidChannels []int       `json:"hid_channels"`
	HidBlocks   []int       `json:"hid_blocks"`
	KernelSize  [2]int      `json:"kernel_size"`
	EmbFeatures int         `json:"emb_features"`
	Heads       map[int]int `json:"heads,omitempty"`
	Dropout     float64     `json:"dropout,omitempty"`
}

// Run records one multi-lap training run.
type Run struct {
	VersionedRecord
	ID          string `json:"id"`
	CreatedUnix int64  `json:"created_unix"`
	Height      int    `json:"height"`
	Width       int    `json:"width"`
	Channels    int    `json:"channels"`
	Laps        int    `json:"laps"`
	Seed        int64  `json:"seed"`
}

// Param is one named parameter leaf of a checkpointed network.
type Param struct {
	Name   string
	Values []float64
}

// Checkpoint is a lap's terminal, immutable snapshot: architecture, raw and
// EMA-averaged parameters, the baseline mean, and the lap's loss history.
type Checkpoint struct {
	VersionedRecord
	RunID    string
	Lap      int
	Schedule string
	Height   int
	Width    int
	Channels int
	Arch     Arch
	MuX      []float64
	Params   []Param
	EMA      []Param

	Losses    []float64
	ValLosses []float64
}
