package models

// Node is a chunk of document text plus provenance metadata, the unit of retrieval.
type Node struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"document_id"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata"`
}

// SetMetadata sets key on the node, allocating the map if needed.
func (n *Node) SetMetadata(key, value string) {
	if n.Metadata == nil {
		n.Metadata = make(map[string]string)
	}
	n.Metadata[key] = value
}

// Chunk is a parsed piece of a source file before it is tagged as a node.
type Chunk struct {
	Content        string
	PageNumber     int
	ChunkID        int
	Section        string
	Recommendation string
	EvidenceLevel  string
}
