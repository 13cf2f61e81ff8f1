// Package chunkplan builds and validates the ordered chunk sequence a
// download is split into, per the "Chunk plan" data model.
package chunkplan

import "fmt"

// DefaultChunkSize is the default slice size: 256 KiB.
const DefaultChunkSize int64 = 256 * 1024

// Chunk is one contiguous byte range of the file being downloaded.
type Chunk struct {
	ID                 int
	Offset             int64
	Size               int64
	ExpectedHash       []byte // optional, per-chunk content hash if the source provides one
}

// Plan is the ordered, validated sequence of chunks for a file of a known size.
type Plan struct {
	FileSize  int64
	ChunkSize int64
	Chunks    []Chunk
}

// Build constructs a plan for fileSize using chunkSize, or DefaultChunkSize
// if chunkSize <= 0. The last chunk may be short. A zero-byte file produces
// exactly one zero-size chunk, per the "Zero-byte file" boundary behavior.
func Build(fileSize int64, chunkSize int64) (*Plan, error) {
	if fileSize < 0 {
		return nil, fmt.Errorf("chunkplan: negative file size %d", fileSize)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	if fileSize == 0 {
		return &Plan{
			FileSize:  0,
			ChunkSize: chunkSize,
			Chunks:    []Chunk{{ID: 0, Offset: 0, Size: 0}},
		}, nil
	}

	n := fileSize / chunkSize
	if fileSize%chunkSize != 0 {
		n++
	}

	chunks := make([]Chunk, 0, n)
	var offset int64
	for id := int64(0); offset < fileSize; id++ {
		size := chunkSize
		if offset+size > fileSize {
			size = fileSize - offset
		}
		chunks = append(chunks, Chunk{ID: int(id), Offset: offset, Size: size})
		offset += size
	}

	p := &Plan{FileSize: fileSize, ChunkSize: chunkSize, Chunks: chunks}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the invariants: sum(size) == file_size, contiguous
// offsets, and chunk_id equal to the vector index.
func (p *Plan) Validate() error {
	var total int64
	for i, c := range p.Chunks {
		if c.ID != i {
			return fmt.Errorf("chunkplan: chunk %d has id %d, want %d", i, c.ID, i)
		}
		if c.Offset != total {
			return fmt.Errorf("chunkplan: chunk %d offset %d, want %d", i, c.Offset, total)
		}
		if c.Size < 0 {
			return fmt.Errorf("chunkplan: chunk %d has negative size %d", i, c.Size)
		}
		total += c.Size
	}
	if total != p.FileSize {
		if !(p.FileSize == 0 && len(p.Chunks) == 1 && p.Chunks[0].Size == 0) {
			return fmt.Errorf("chunkplan: total chunk size %d != file size %d", total, p.FileSize)
		}
	}
	return nil
}

// TotalChunks returns the number of chunks in the plan.
func (p *Plan) TotalChunks() int { return len(p.Chunks) }

// ByteRange returns the [start, end) byte range covered by chunk id.
func (p *Plan) ByteRange(id int) (start, end int64, ok bool) {
	if id < 0 || id >= len(p.Chunks) {
		return 0, 0, false
	}
	c := p.Chunks[id]
	return c.Offset, c.Offset + c.Size, true
}
