package bayesian

import "gonum.org/v1/gonum/mat"

// MatrixPool keeps candidate buffers between acquisition searches. The
// candidate batch has the same shape every round, so buffers are reused
// only when their dimensions match the request.
type MatrixPool struct {
	dense []*mat.Dense
	vecs  [][]float64
}

// NewMatrixPool creates a new MatrixPool
func NewMatrixPool() *MatrixPool {
	return &MatrixPool{
		dense: make([]*mat.Dense, 0, 2),
		vecs:  make([][]float64, 0, 4),
	}
}

// GetDense returns an r×c matrix from the pool or allocates one. Contents
// of a reused matrix are unspecified.
func (p *MatrixPool) GetDense(r, c int) *mat.Dense {
	for i, m := range p.dense {
		if mr, mc := m.Dims(); mr == r && mc == c {
			p.dense = append(p.dense[:i], p.dense[i+1:]...)
			return m
		}
	}
	return mat.NewDense(r, c, nil)
}

// PutDense returns a dense matrix to the pool
func (p *MatrixPool) PutDense(m *mat.Dense) {
	if m == nil {
		return
	}
	p.dense = append(p.dense, m)
}

// GetSlice returns a float slice of length n from the pool or allocates one.
func (p *MatrixPool) GetSlice(n int) []float64 {
	for i, s := range p.vecs {
		if len(s) == n {
			p.vecs = append(p.vecs[:i], p.vecs[i+1:]...)
			return s
		}
	}
	return make([]float64, n)
}

// PutSlice returns a slice to the pool
func (p *MatrixPool) PutSlice(s []float64) {
	if s == nil {
		return
	}
	p.vecs = append(p.vecs, s)
}
