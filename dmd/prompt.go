package dmd

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/pkg/errors"
)

// CLIP tokenizer defaults, used when the tokenizer config does not declare them.
const (
	defaultBOSTokenID = 49406
	defaultEOSTokenID = 49407
)

// promptTokenizer is the subset of tokenizers.Tokenizer needed to prepare token ids.
type promptTokenizer interface {
	Encode(text string) []int
}

// specialTokenSource is the subset of tokenizers.Tokenizer that declares special tokens.
type specialTokenSource interface {
	SpecialTokenID(token api.SpecialToken) (int, error)
}

// resolveTokenIDs reads the BOS, EOS and pad token ids declared by the tokenizer, falling
// back to the CLIP defaults for anything it does not declare. CLIP pads with EOS.
func resolveTokenIDs(tok specialTokenSource) (bosID, eosID, padID int) {
	bosID, eosID = defaultBOSTokenID, defaultEOSTokenID
	if id, err := tok.SpecialTokenID(api.TokBeginningOfSentence); err == nil {
		bosID = id
	}
	if id, err := tok.SpecialTokenID(api.TokEndOfSentence); err == nil {
		eosID = id
	}
	padID = eosID
	if id, err := tok.SpecialTokenID(api.TokPad); err == nil {
		padID = id
	}
	return
}

// padTokenIDs tokenizes prompts to fixed-length sequences: [BOS] tokens [EOS], truncating
// overlong inputs and padding the remainder with padID. Returns the flattened
// [len(prompts) * maxLength] int64 ids, row-major.
func padTokenIDs(tok promptTokenizer, prompts []string, maxLength, bosID, eosID, padID int) []int64 {
	if len(prompts) == 0 {
		exceptions.Panicf("padTokenIDs: prompt list is empty")
	}
	if maxLength < 2 {
		exceptions.Panicf("padTokenIDs: max_token_length must be >= 2 to fit BOS and EOS, got %d", maxLength)
	}
	flat := make([]int64, 0, len(prompts)*maxLength)
	for _, prompt := range prompts {
		ids := tok.Encode(prompt)
		if len(ids) > maxLength-2 {
			ids = ids[:maxLength-2]
		}
		row := make([]int64, 0, maxLength)
		row = append(row, int64(bosID))
		for _, id := range ids {
			row = append(row, int64(id))
		}
		row = append(row, int64(eosID))
		for len(row) < maxLength {
			row = append(row, int64(padID))
		}
		flat = append(flat, row...)
	}
	return flat
}

// ConditioningEncoder maps text prompts to embedding tensors. Implementations must be
// deterministic for fixed weights and must never be trained.
type ConditioningEncoder interface {
	// Encode returns a [batch, maxLength, embedSize] embedding tensor.
	Encode(prompts []string) *tensors.Tensor

	// EncodeNegative returns the embeddings of batchSize empty prompts, the
	// unconditional half of classifier-free guidance.
	EncodeNegative(batchSize int) *tensors.Tensor
}

// PromptEncoder maps text prompts to embedding tensors with a frozen text model.
//
// The model's variables live in the encoder's own context, separate from the training
// context, and its evaluation graph is compiled independently of the training step, so no
// gradient ever reaches it.
type PromptEncoder struct {
	tok                 tokenizers.Tokenizer
	model               *onnx.Model
	exec                *context.Exec
	maxLength           int
	bosID, eosID, padID int

	// Cached unconditional (empty prompt) embeddings, keyed by batch size.
	negativeCache map[int]*tensors.Tensor
}

// NewPromptEncoder downloads the tokenizer and the ONNX text model from the given
// HuggingFace repo and prepares a frozen encoder. onnxFile is the path of the text
// encoder inside the repo, e.g. "text_encoder/model.onnx".
func NewPromptEncoder(backend backends.Backend, repo *hub.Repo, onnxFile string, maxLength int) (*PromptEncoder, error) {
	tok, err := tokenizers.New(repo)
	if err != nil {
		return nil, errors.WithMessage(err, "loading tokenizer for the prompt encoder")
	}
	modelPath, err := repo.DownloadFile(onnxFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "downloading text encoder %q", onnxFile)
	}
	model, err := onnx.ReadFile(modelPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing text encoder %q", modelPath)
	}
	ctx := context.New()
	if err = model.VariablesToContext(ctx); err != nil {
		return nil, errors.WithMessage(err, "uploading text encoder weights")
	}
	for v := range ctx.IterVariables() {
		v.SetTrainable(false)
	}
	e := &PromptEncoder{
		tok:           tok,
		model:         model,
		maxLength:     maxLength,
		negativeCache: make(map[int]*tensors.Tensor),
	}
	e.bosID, e.eosID, e.padID = resolveTokenIDs(tok)
	e.exec = context.MustNewExec(backend, ctx, func(ctx *context.Context, tokenIDs *Node) *Node {
		g := tokenIDs.Graph()
		outputs := e.model.CallGraph(ctx, g, map[string]*Node{"input_ids": tokenIDs})
		return outputs[0] // Hidden states, shape [batch, maxLength, embedSize].
	})
	return e, nil
}

// Encode tokenizes and embeds a batch of prompts, returning a
// [batch, maxLength, embedSize] tensor. It panics on an empty prompt list.
func (e *PromptEncoder) Encode(prompts []string) *tensors.Tensor {
	flat := padTokenIDs(e.tok, prompts, e.maxLength, e.bosID, e.eosID, e.padID)
	tokenIDs := tensors.FromFlatDataAndDimensions(flat, len(prompts), e.maxLength)
	return e.exec.MustExec1(tokenIDs)
}

// EncodeNegative returns the embeddings of a batch of empty prompts, used as the
// unconditional half of classifier-free guidance. Results are cached per batch size.
func (e *PromptEncoder) EncodeNegative(batchSize int) *tensors.Tensor {
	if cached, found := e.negativeCache[batchSize]; found {
		return cached
	}
	prompts := make([]string, batchSize)
	embeddings := e.Encode(prompts)
	e.negativeCache[batchSize] = embeddings
	return embeddings
}

// Close releases the ONNX model resources.
func (e *PromptEncoder) Close() {
	e.model.Close()
}
