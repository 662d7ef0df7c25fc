package testutil

// FixedIDGenerator returns the same batch ID every time.
//
// Stored batches and golden output then carry a predictable identifier.
// If id is empty, Generate returns "test-batch-default".
type FixedIDGenerator struct {
	id string
}

// NewFixedIDGenerator creates a generator for id.
func NewFixedIDGenerator(id string) *FixedIDGenerator {
	if id == "" {
		id = "test-batch-default"
	}
	return &FixedIDGenerator{id: id}
}

// Generate returns the fixed ID.
func (g *FixedIDGenerator) Generate() string {
	return g.id
}
