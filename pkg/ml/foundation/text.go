// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package foundation

import (
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tokenizer converts text to token ids. It is satisfied by the go-huggingface tokenizers.
type Tokenizer interface {
	Encode(text string) []int
}

// DefaultMaxLength is the fixed length of the tokenized texts.
const DefaultMaxLength = 64

// TextProcessor tokenizes batches of texts to a fixed length: longer texts are truncated, shorter ones padded.
type TextProcessor struct {
	tokenizer Tokenizer
	padID     int
	maxLength int
}

// NewTextProcessor creates a TextProcessor that pads with padID, with DefaultMaxLength.
func NewTextProcessor(tokenizer Tokenizer, padID int) *TextProcessor {
	return &TextProcessor{tokenizer: tokenizer, padID: padID, maxLength: DefaultMaxLength}
}

// NewHFTextProcessor creates a TextProcessor from a go-huggingface tokenizer, padding with its pad token.
// If the tokenizer has no pad token, the end-of-sentence token is used, and if neither is defined, 0.
func NewHFTextProcessor(tokenizer api.Tokenizer) *TextProcessor {
	padID, err := tokenizer.SpecialTokenID(api.TokPad)
	if err != nil {
		padID, err = tokenizer.SpecialTokenID(api.TokEndOfSentence)
		if err != nil {
			klog.Warningf("foundation: tokenizer has no pad or end-of-sentence tokens, padding with 0")
			padID = 0
		}
	}
	return NewTextProcessor(tokenizer, padID)
}

// WithMaxLength sets the length of the tokenized texts.
func (p *TextProcessor) WithMaxLength(maxLength int) *TextProcessor {
	p.maxLength = maxLength
	return p
}

// MaxLength returns the length of the tokenized texts.
func (p *TextProcessor) MaxLength() int { return p.maxLength }

// PadID returns the token id used for padding.
func (p *TextProcessor) PadID() int { return p.padID }

// Process tokenizes the texts, returning the token ids and the attention mask (1 for tokens, 0 for padding),
// both shaped [len(texts), MaxLength].
func (p *TextProcessor) Process(texts []string) (tokens, mask [][]int64, err error) {
	if len(texts) == 0 {
		return nil, nil, errors.New("TextProcessor.Process requires at least one text")
	}
	if p.maxLength < 1 {
		return nil, nil, errors.Errorf("TextProcessor max length must be >= 1, got %d", p.maxLength)
	}
	tokens = make([][]int64, len(texts))
	mask = make([][]int64, len(texts))
	for ii, text := range texts {
		ids := p.tokenizer.Encode(text)
		if len(ids) > p.maxLength {
			ids = ids[:p.maxLength]
		}
		tokens[ii] = make([]int64, p.maxLength)
		mask[ii] = make([]int64, p.maxLength)
		for jj := range p.maxLength {
			if jj < len(ids) {
				tokens[ii][jj] = int64(ids[jj])
				mask[ii][jj] = 1
			} else {
				tokens[ii][jj] = int64(p.padID)
			}
		}
	}
	return tokens, mask, nil
}

// Tensors is like Process, but returns int64 tensors.
func (p *TextProcessor) Tensors(texts []string) (tokens, mask *tensors.Tensor, err error) {
	tokenValues, maskValues, err := p.Process(texts)
	if err != nil {
		return nil, nil, err
	}
	return tensors.FromValue(tokenValues), tensors.FromValue(maskValues), nil
}
