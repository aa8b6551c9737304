package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

const DefaultPlaceholder = "X"

// Vocabulary is the ordered closed-class word list. Channel i maps to
// Closed[i]; the trailing channel len(Closed) stands for any open-class word
// and decodes to Placeholder.
type Vocabulary struct {
	Closed      []string `json:"closed"`
	Placeholder string   `json:"placeholder"`
}

func NewVocabulary(closed []string) Vocabulary {
	return Vocabulary{Closed: append([]string(nil), closed...), Placeholder: DefaultPlaceholder}
}

// Channels is the output width: one per closed-class word plus the
// placeholder channel.
func (v Vocabulary) Channels() int { return len(v.Closed) + 1 }

func (v Vocabulary) PlaceholderChannel() int { return len(v.Closed) }

func (v Vocabulary) PlaceholderToken() string {
	if v.Placeholder == "" {
		return DefaultPlaceholder
	}
	return v.Placeholder
}

// Token maps a channel index to its word. Indices outside
// [0, Channels()) report false.
func (v Vocabulary) Token(channel int) (string, bool) {
	switch {
	case channel >= 0 && channel < len(v.Closed):
		return v.Closed[channel], true
	case channel == len(v.Closed):
		return v.PlaceholderToken(), true
	default:
		return "", false
	}
}

// Params is the six-value hyperparameter record stored beside persisted
// weight matrices.
type Params struct {
	Neurons        int     `json:"neurons"`
	Sparsity       float64 `json:"sparsity"`
	SpectralRadius float64 `json:"spectral_radius"`
	InputScaling   float64 `json:"input_scaling"`
	LeakRate       float64 `json:"leak_rate"`
	Ridge          float64 `json:"ridge"`
}

type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
	RunFailed    RunStatus = "failed"
)

type Metrics struct {
	TrainMSE         float64 `json:"train_mse"`
	TestMSE          float64 `json:"test_mse"`
	TestNRMSE        float64 `json:"test_nrmse"`
	TokenAccuracy    float64 `json:"token_accuracy"`
	SentenceAccuracy float64 `json:"sentence_accuracy"`
}

type RunRecord struct {
	VersionedRecord
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	Precision    string    `json:"precision"`
	Params       Params    `json:"params"`
	Seed         int64     `json:"seed"`
	Activation   string    `json:"activation"`
	Examples     int       `json:"examples"`
	Steps        int       `json:"steps"`
	Status       RunStatus `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	Metrics      Metrics   `json:"metrics"`
	TrainSeconds float64   `json:"train_seconds"`
	TestSeconds  float64   `json:"test_seconds"`
}

// ReadoutRecord is a trained Wout, widened to float64 for storage.
type ReadoutRecord struct {
	VersionedRecord
	RunID     string    `json:"run_id"`
	Precision string    `json:"precision"`
	Rows      int       `json:"rows"`
	Cols      int       `json:"cols"`
	Data      []float64 `json:"data"`
}
