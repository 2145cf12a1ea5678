package storage

import (
	"database/sql"
	"encoding/binary"
	"math"

	"github.com/dshills/contribrank/pkg/types"
)

// serializeVector converts a float32 slice to a little-endian byte blob
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// embeddingColumns returns the blob, model and hash values to store for e.
// An embedding whose source hash does not match text is dropped, so a
// stored embedding never describes different text.
func embeddingColumns(e *types.Embedding, text string) (blob any, model, hash sql.NullString) {
	if e == nil || len(e.Vector) == 0 || !e.FreshFor(text) {
		return nil, sql.NullString{}, sql.NullString{}
	}
	return serializeVector(e.Vector),
		sql.NullString{String: e.Model, Valid: true},
		sql.NullString{String: e.SourceHash, Valid: true}
}

// scanEmbedding rebuilds an embedding from its scanned columns
func scanEmbedding(blob []byte, model, hash sql.NullString) *types.Embedding {
	if len(blob) == 0 {
		return nil
	}
	return &types.Embedding{
		Vector:     deserializeVector(blob),
		Model:      model.String,
		SourceHash: hash.String,
	}
}
