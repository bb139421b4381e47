package model

import (
	"hash/fnv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/logsentinel/tensor"
)

// encodeSubBatch bounds how many log lines are embedded per encoder pass so a
// long sequence never materializes all of its line activations at once.
const encodeSubBatch = 64

// Tokenizer splits a raw log line into tokens for the hashing encoder.
type Tokenizer interface {
	Tokenize(line string) []string
}

// WhitespaceTokenizer lowercases a line and splits it on whitespace.
type WhitespaceTokenizer struct{}

func (WhitespaceTokenizer) Tokenize(line string) []string {
	return strings.Fields(strings.ToLower(line))
}

// HashingEncoder is the frozen sequence encoder. Each token hashes into a row
// of a fixed random embedding table and a line embeds as the mean of its token
// rows. The table never trains; it stands in for a pretrained language model
// backbone while keeping the same contract: lines in, fixed-width line
// embeddings out, no gradient.
type HashingEncoder struct {
	table     *tensor.Tensor
	tokenizer Tokenizer
	vocabSize int
	hidden    int
}

// NewHashingEncoder builds a frozen encoder with the given bucket count and
// embedding width.
func NewHashingEncoder(vocabSize, hidden int, tok Tokenizer, device tensor.DeviceType) (*HashingEncoder, error) {
	if vocabSize <= 0 || hidden <= 0 {
		return nil, errors.Errorf("invalid encoder dimensions: vocab %d, hidden %d", vocabSize, hidden)
	}
	if tok == nil {
		tok = WhitespaceTokenizer{}
	}
	table, err := tensor.RandomNormal([]int{vocabSize, hidden}, 0, 0.02, tensor.Float32, device)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create embedding table")
	}
	return &HashingEncoder{
		table:     table,
		tokenizer: tok,
		vocabSize: vocabSize,
		hidden:    hidden,
	}, nil
}

func (e *HashingEncoder) Hidden() int { return e.hidden }

func (e *HashingEncoder) bucket(token string) int {
	h := fnv.New32a()
	h.Write([]byte(token))
	return int(h.Sum32() % uint32(e.vocabSize))
}

// EncodeLines embeds each line as the mean of its token embeddings, working
// through the lines in sub-batches. Lines with no tokens embed as zeros. The
// result is a leaf [len(lines), hidden] tensor outside the autograd graph.
func (e *HashingEncoder) EncodeLines(lines []string) (*tensor.Tensor, error) {
	if len(lines) == 0 {
		return nil, errors.New("no lines to encode")
	}
	table, err := e.table.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	out := make([]float32, len(lines)*e.hidden)
	for start := 0; start < len(lines); start += encodeSubBatch {
		end := start + encodeSubBatch
		if end > len(lines) {
			end = len(lines)
		}
		for i := start; i < end; i++ {
			tokens := e.tokenizer.Tokenize(lines[i])
			if len(tokens) == 0 {
				continue
			}
			row := out[i*e.hidden : (i+1)*e.hidden]
			for _, tok := range tokens {
				base := e.bucket(tok) * e.hidden
				for j := 0; j < e.hidden; j++ {
					row[j] += table[base+j]
				}
			}
			inv := 1.0 / float32(len(tokens))
			for j := 0; j < e.hidden; j++ {
				row[j] *= inv
			}
		}
	}
	return tensor.NewTensor([]int{len(lines), e.hidden}, tensor.Float32, e.table.Device, out)
}
