// Package corpus reads sentence corpora and encodes them as one-hot
// sequence batches.
package corpus

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/exp/constraints"

	"reservoir/internal/linalg"
	"reservoir/internal/model"
)

var ErrEmptyCorpus = errors.New("corpus has no examples")

// Example is one corpus line: input tokens and, for training corpora, the
// expected output tokens.
type Example struct {
	Input  []string
	Output []string
}

func newReader(in io.Reader) *csv.Reader {
	reader := csv.NewReader(in)
	reader.Comma = ';'
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	return reader
}

// Parse reads `input tokens ; output tokens` lines. The output half is
// optional; blank lines and `#` comments are skipped.
func Parse(in io.Reader) ([]Example, error) {
	reader := newReader(in)
	var examples []Example
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read corpus row %d: %w", row+1, err)
		}
		row++
		if len(record) > 2 {
			return nil, fmt.Errorf("corpus row %d: expected at most one ';' separator, got %d", row, len(record)-1)
		}
		example := Example{Input: strings.Fields(record[0])}
		if len(record) == 2 {
			example.Output = strings.Fields(record[1])
		}
		if len(example.Input) == 0 && len(example.Output) == 0 {
			continue
		}
		if len(example.Input) == 0 {
			return nil, fmt.Errorf("corpus row %d: input side is empty", row)
		}
		examples = append(examples, example)
	}
	if len(examples) == 0 {
		return nil, ErrEmptyCorpus
	}
	return examples, nil
}

func ParseFile(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	examples, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return examples, nil
}

// ReadVocabulary reads one closed-class word per line; order defines the
// channel index.
func ReadVocabulary(in io.Reader) (model.Vocabulary, error) {
	reader := newReader(in)
	seen := map[string]struct{}{}
	var words []string
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return model.Vocabulary{}, fmt.Errorf("read vocabulary row %d: %w", row+1, err)
		}
		row++
		word := strings.TrimSpace(record[0])
		if word == "" {
			continue
		}
		if _, dup := seen[word]; dup {
			return model.Vocabulary{}, fmt.Errorf("vocabulary row %d: duplicate word %q", row, word)
		}
		seen[word] = struct{}{}
		words = append(words, word)
	}
	if len(words) == 0 {
		return model.Vocabulary{}, errors.New("vocabulary is empty")
	}
	return model.NewVocabulary(words), nil
}

func ReadVocabularyFile(path string) (model.Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Vocabulary{}, err
	}
	defer f.Close()
	vocab, err := ReadVocabulary(f)
	if err != nil {
		return model.Vocabulary{}, fmt.Errorf("%s: %w", path, err)
	}
	return vocab, nil
}

// Batch is an encoded corpus. Teacher is nil when no example carries an
// output side.
type Batch[T constraints.Float] struct {
	Input   *linalg.Tensor3[T]
	Teacher *linalg.Tensor3[T]
	// OpenClass lists, per example, the input words outside the vocabulary
	// in order of appearance.
	OpenClass [][]string
	// Expected holds the output tokens with open-class words replaced by the
	// placeholder, or nil without a teacher.
	Expected [][]string
}

// Encode one-hot encodes examples. Each token is held for duration
// timesteps; all examples are zero-padded to the longest side.
func Encode[T constraints.Float](vocab model.Vocabulary, examples []Example, duration int) (*Batch[T], error) {
	if len(examples) == 0 {
		return nil, ErrEmptyCorpus
	}
	if duration <= 0 {
		duration = 1
	}
	index := make(map[string]int, len(vocab.Closed))
	for i, word := range vocab.Closed {
		index[word] = i
	}
	channelOf := func(word string) (int, bool) {
		if channel, ok := index[word]; ok {
			return channel, true
		}
		return vocab.PlaceholderChannel(), false
	}

	withOutput := 0
	longest := 0
	for _, example := range examples {
		longest = max(longest, len(example.Input), len(example.Output))
		if len(example.Output) > 0 {
			withOutput++
		}
	}
	if withOutput != 0 && withOutput != len(examples) {
		return nil, fmt.Errorf("%d of %d examples lack an output side", len(examples)-withOutput, len(examples))
	}

	steps := longest * duration
	channels := vocab.Channels()
	batch := &Batch[T]{
		Input:     linalg.NewTensor3[T](len(examples), steps, channels),
		OpenClass: make([][]string, len(examples)),
	}
	if withOutput > 0 {
		batch.Teacher = linalg.NewTensor3[T](len(examples), steps, channels)
		batch.Expected = make([][]string, len(examples))
	}

	for ex, example := range examples {
		open := []string{}
		for i, word := range example.Input {
			channel, closed := channelOf(word)
			if !closed {
				open = append(open, word)
			}
			for d := 0; d < duration; d++ {
				batch.Input.Set(ex, i*duration+d, channel, 1)
			}
		}
		batch.OpenClass[ex] = open

		if batch.Teacher == nil {
			continue
		}
		expected := make([]string, 0, len(example.Output))
		for i, word := range example.Output {
			channel, closed := channelOf(word)
			if closed {
				expected = append(expected, word)
			} else {
				expected = append(expected, vocab.PlaceholderToken())
			}
			for d := 0; d < duration; d++ {
				batch.Teacher.Set(ex, i*duration+d, channel, 1)
			}
		}
		batch.Expected[ex] = expected
	}
	return batch, nil
}

// Dataset bundles a vocabulary with its training and test corpora. Either
// corpus may be empty, not both.
type Dataset struct {
	Vocabulary     model.Vocabulary
	Train          []Example
	Test           []Example
	VocabularyPath string
	TrainPath      string
	TestPath       string
}

func LoadDataset(vocabPath, trainPath, testPath string) (*Dataset, error) {
	if vocabPath == "" {
		return nil, errors.New("vocabulary path is required")
	}
	if trainPath == "" && testPath == "" {
		return nil, errors.New("a training or test corpus is required")
	}
	vocab, err := ReadVocabularyFile(vocabPath)
	if err != nil {
		return nil, err
	}
	ds := &Dataset{
		Vocabulary:     vocab,
		VocabularyPath: vocabPath,
		TrainPath:      trainPath,
		TestPath:       testPath,
	}
	if trainPath != "" {
		if ds.Train, err = ParseFile(trainPath); err != nil {
			return nil, err
		}
	}
	if testPath != "" {
		if ds.Test, err = ParseFile(testPath); err != nil {
			return nil, err
		}
	}
	return ds, nil
}
