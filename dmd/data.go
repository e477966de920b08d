package dmd

import (
	"bufio"
	"encoding/gob"
	"io"
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// PromptSource yields batches of text prompts for generation. Implementations cycle
// transparently: NextBatch never returns fewer than n prompts.
type PromptSource interface {
	Name() string
	NextBatch(n int) []string
}

// SlicePromptSource cycles over a fixed list of prompts.
type SlicePromptSource struct {
	name    string
	prompts []string
	next    int
}

// NewSlicePromptSource creates a PromptSource over the given prompts.
// An empty list is a configuration error and panics.
func NewSlicePromptSource(name string, prompts []string) *SlicePromptSource {
	if len(prompts) == 0 {
		exceptions.Panicf("NewSlicePromptSource(%q): prompt list is empty", name)
	}
	return &SlicePromptSource{name: name, prompts: prompts}
}

// LoadPromptFile reads one prompt per line, skipping blank lines.
func LoadPromptFile(name, filePath string) (*SlicePromptSource, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open prompts file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	var prompts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			prompts = append(prompts, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read prompts file %q", filePath)
	}
	if len(prompts) == 0 {
		return nil, errors.Errorf("prompts file %q has no non-empty lines", filePath)
	}
	return NewSlicePromptSource(name, prompts), nil
}

// Name implements PromptSource.
func (s *SlicePromptSource) Name() string { return s.name }

// NextBatch implements PromptSource, wrapping around at the end of the list.
func (s *SlicePromptSource) NextBatch(n int) []string {
	batch := make([]string, n)
	for i := range batch {
		batch[i] = s.prompts[s.next]
		s.next = (s.next + 1) % len(s.prompts)
	}
	return batch
}

// PairSource yields batches of (reference latents, reference images, prompt embeddings)
// for the regularization path. Like PromptSource, it cycles transparently and never
// yields an empty or short batch.
type PairSource struct {
	ds train.Dataset
}

// NewPairSource wraps a train.Dataset whose Yield returns inputs
// [latents, images, promptEmbeddings]. On io.EOF the dataset is Reset and re-read, so
// exhaustion is never surfaced; a dataset that is empty after a Reset panics.
func NewPairSource(ds train.Dataset) *PairSource {
	return &PairSource{ds: ds}
}

// InMemoryPairSource builds a PairSource over in-memory data. latents, images and
// promptEmbeddings must share the leading (example) dimension; batches of batchSize are
// drawn shuffled, with replacement of the epoch boundary.
func InMemoryPairSource(backend backends.Backend, latents, images, promptEmbeddings any, batchSize int) (*PairSource, error) {
	mds, err := datasets.InMemoryFromData(backend, "reference-pairs",
		[]any{latents, images, promptEmbeddings}, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "building in-memory reference-pairs dataset")
	}
	mds.BatchSize(batchSize, true).Shuffle().Infinite(true)
	return NewPairSource(mds), nil
}

// LoadPairFile reads a gob file holding three serialized tensors (reference latents,
// reference images, reference prompt embeddings, sharing the leading example dimension)
// and builds a PairSource over them.
func LoadPairFile(backend backends.Backend, filePath string, batchSize int) (*PairSource, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open reference pairs file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	latents, err := tensors.GobDeserialize(dec)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading reference latents from %q", filePath)
	}
	images, err := tensors.GobDeserialize(dec)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading reference images from %q", filePath)
	}
	promptEmbeddings, err := tensors.GobDeserialize(dec)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading reference prompt embeddings from %q", filePath)
	}
	return InMemoryPairSource(backend, latents, images, promptEmbeddings, batchSize)
}

// Name returns the underlying dataset name.
func (p *PairSource) Name() string { return p.ds.Name() }

// NextBatch returns the next (latents, images, promptEmbeddings) batch.
func (p *PairSource) NextBatch() (latents, images, promptEmbeddings *tensors.Tensor) {
	_, inputs, _, err := p.ds.Yield()
	if err == io.EOF {
		p.ds.Reset()
		_, inputs, _, err = p.ds.Yield()
		if err == io.EOF {
			exceptions.Panicf("dataset %q is empty even after a reset", p.ds.Name())
		}
	}
	if err != nil {
		panic(errors.WithMessagef(err, "dataset %q failed to yield", p.ds.Name()))
	}
	if len(inputs) != 3 {
		exceptions.Panicf("dataset %q must yield inputs [latents, images, promptEmbeddings], got %d tensors",
			p.ds.Name(), len(inputs))
	}
	return inputs[0], inputs[1], inputs[2]
}
