package stats

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"reservoir/internal/model"
)

const (
	runIndexFile   = "run_index.json"
	configFile     = "config.json"
	metricsFile    = "metrics.json"
	decodedFile    = "decoded.txt"
	ActivationPlot = "activations.png"
)

type RunConfig struct {
	RunID          string  `json:"run_id"`
	Precision      string  `json:"precision"`
	Neurons        int     `json:"neurons"`
	SpectralRadius float64 `json:"spectral_radius"`
	InputScaling   float64 `json:"input_scaling"`
	LeakRate       float64 `json:"leak_rate"`
	Sparsity       float64 `json:"sparsity"`
	Ridge          float64 `json:"ridge"`
	Seed           int64   `json:"seed"`
	Activation     string  `json:"activation"`
	TrainCorpus    string  `json:"train_corpus,omitempty"`
	TestCorpus     string  `json:"test_corpus,omitempty"`
	Vocabulary     string  `json:"vocabulary,omitempty"`
	Duration       int     `json:"duration"`
	MinRepeat      int     `json:"min_repeat"`
	TileMultiple   int     `json:"tile_multiple"`
	Workers        int     `json:"workers"`
	Exclusive      bool    `json:"exclusive_device"`
}

type RunMetrics struct {
	Status       model.RunStatus `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	Metrics      model.Metrics   `json:"metrics"`
	TrainSeconds float64         `json:"train_seconds"`
	TestSeconds  float64         `json:"test_seconds"`
}

type RunArtifacts struct {
	Config   RunConfig  `json:"config"`
	Metrics  RunMetrics `json:"metrics"`
	Decoded  [][]string `json:"decoded,omitempty"`
	Expected [][]string `json:"expected,omitempty"`
}

type RunIndexEntry struct {
	RunID         string          `json:"run_id"`
	Precision     string          `json:"precision"`
	Neurons       int             `json:"neurons"`
	Ridge         float64         `json:"ridge"`
	Status        model.RunStatus `json:"status"`
	TestNRMSE     float64         `json:"test_nrmse"`
	TokenAccuracy float64         `json:"token_accuracy"`
	CreatedAtUTC  string          `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, metricsFile), artifacts.Metrics); err != nil {
		return "", err
	}
	if artifacts.Decoded != nil {
		if err := writeDecoded(filepath.Join(runDir, decodedFile), artifacts.Decoded, artifacts.Expected); err != nil {
			return "", err
		}
	}
	return runDir, nil
}

// writeDecoded writes one decoded sentence per line; when an expected
// sentence differs it follows on a line prefixed with "# expected:".
func writeDecoded(path string, decoded, expected [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for i, sentence := range decoded {
		line := strings.Join(sentence, " ")
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
		if i < len(expected) {
			if want := strings.Join(expected[i], " "); want != line {
				if _, err := fmt.Fprintf(w, "# expected: %s\n", want); err != nil {
					return err
				}
			}
		}
	}
	return w.Flush()
}

func ReadDecoded(baseDir, runID string) ([][]string, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, decodedFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	var sentences [][]string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		sentences = append(sentences, strings.Fields(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}
	return sentences, true, nil
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

// ExportRunArtifacts copies a run directory's files to outDir/runID. The
// decoded sentences and activation plot are optional.
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

	for _, file := range []string{configFile, metricsFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, file := range []string{decodedFile, ActivationPlot} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, filepath.Join(dst, file)); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadRunMetrics(baseDir, runID string) (RunMetrics, bool, error) {
	var metrics RunMetrics
	ok, err := readJSON(filepath.Join(baseDir, runID, metricsFile), &metrics)
	return metrics, ok, err
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
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
