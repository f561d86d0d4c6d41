package store

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/xhad/sift/internal/models"
)

// coversChunks reports an error unless embeddings holds exactly one entry for
// each of the document's chunks.
func coversChunks(docID uuid.UUID, chunkIDs []uuid.UUID, embeddings []models.Embedding) error {
	want := make(map[uuid.UUID]bool, len(chunkIDs))
	for _, id := range chunkIDs {
		want[id] = false
	}

	for _, e := range embeddings {
		seen, ok := want[e.ChunkID]
		if !ok {
			return fmt.Errorf("refusing to complete document %s: chunk %s does not belong to it", docID, e.ChunkID)
		}
		if seen {
			return fmt.Errorf("refusing to complete document %s: chunk %s has more than one embedding", docID, e.ChunkID)
		}
		if len(e.Vector) == 0 {
			return fmt.Errorf("refusing to complete document %s: chunk %s has an empty vector", docID, e.ChunkID)
		}
		want[e.ChunkID] = true
	}

	if len(embeddings) != len(chunkIDs) {
		return fmt.Errorf("refusing to complete document %s: %d of %d chunks have embeddings", docID, len(embeddings), len(chunkIDs))
	}
	return nil
}
