package providers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// mockDimensions matches the production embedding dimensionality so vectors
// are interchangeable in tests.
const mockDimensions = 768

// Mock is a deterministic offline provider: the same (content, model) pair
// always yields the same vector, and generation echoes a stable digest of
// the prompt. It also supports scripted failures for resilience tests.
type Mock struct {
	mu         sync.Mutex
	embedCalls int
	genCalls   int
	embedErrs  []error
	genErrs    []error
}

// NewMock creates a Mock provider.
func NewMock() *Mock { return &Mock{} }

// FailEmbeds scripts the next len(errs) Embed calls to fail in order.
func (m *Mock) FailEmbeds(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embedErrs = append(m.embedErrs, errs...)
}

// FailGenerations scripts the next len(errs) Generate calls to fail.
func (m *Mock) FailGenerations(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.genErrs = append(m.genErrs, errs...)
}

// EmbedCalls returns how many Embed calls were made.
func (m *Mock) EmbedCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.embedCalls
}

// Embed derives a unit-norm vector from the content and model hash.
func (m *Mock) Embed(ctx context.Context, content, modelID, taskType string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.embedCalls++
	if len(m.embedErrs) > 0 {
		err := m.embedErrs[0]
		m.embedErrs = m.embedErrs[1:]
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	seed := sha256.Sum256([]byte(modelID + "\x00" + content))
	vector := make([]float32, mockDimensions)
	var norm float64
	for i := range vector {
		// Stretch the 32-byte seed across the vector deterministically.
		word := binary.LittleEndian.Uint32(seed[(i*4)%28:])
		v := float32(int32(word^uint32(i*2654435761))) / float32(math.MaxInt32)
		vector[i] = v
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	for i := range vector {
		vector[i] = float32(float64(vector[i]) / norm)
	}
	return vector, nil
}

// Generate returns a stable synthetic reply.
func (m *Mock) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.genCalls++
	if len(m.genErrs) > 0 {
		err := m.genErrs[0]
		m.genErrs = m.genErrs[1:]
		m.mu.Unlock()
		return "", err
	}
	m.mu.Unlock()

	sum := sha256.Sum256([]byte(prompt))
	return fmt.Sprintf("mock response %x", sum[:6]), nil
}
