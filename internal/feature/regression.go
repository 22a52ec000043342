package feature

import (
	"gonum.org/v2/gonum/mat"

	"marketmaker/internal/numeric"
)

// MidPriceRegression fits an ordinary-least-squares model y ~ Xbeta over N
// recent mid-prices y and an N-by-k matrix X of recent feature vectors
// (e.g. [imbalance, voi, ofi]), with each column normalized by the current
// spread in basis points before fitting. It predicts yhat = X*beta and
// returns mean(yhat).
//
// Returns numeric.ErrModelFit when the normal equations (X^T X) are
// singular; callers treat the predictor as 0 in that case.
func MidPriceRegression(y []float64, x [][]float64, spreadBps float64) (float64, error) {
	n := len(y)
	if n == 0 || len(x) != n || len(x[0]) == 0 {
		return 0, numeric.ErrModelFit
	}
	k := len(x[0])

	norm := spreadBps
	if norm == 0 {
		norm = 1
	}

	xData := make([]float64, n*k)
	for i, row := range x {
		for j, v := range row {
			xData[i*k+j] = v / norm
		}
	}
	X := mat.NewDense(n, k, xData)
	Y := mat.NewVecDense(n, y)

	var xtx mat.Dense
	xtx.Mul(X.T(), X)

	var xty mat.VecDense
	xty.MulVec(X.T(), Y)

	var beta mat.VecDense
	if err := beta.SolveVec(&xtx, &xty); err != nil {
		return 0, numeric.ErrModelFit
	}

	var yhat mat.VecDense
	yhat.MulVec(X, &beta)

	sum := 0.0
	for i := 0; i < n; i++ {
		sum += yhat.AtVec(i)
	}
	return sum / float64(n), nil
}

// SlidingWindow bounds a (y, X) training set the way the source's callers
// maintain their own window: once the window exceeds maxSamples, the oldest
// dropBatch samples are dropped in one shot to amortize the resize.
type SlidingWindow struct {
	maxSamples int
	dropBatch  int
	Y          []float64
	X          [][]float64
}

// NewSlidingWindow creates a SlidingWindow with the source's fixed
// parameters: trims to maxSamples=987, dropping dropBatch=210 at a time.
func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{maxSamples: 987, dropBatch: 210}
}

// Push appends one (y, x) sample and trims the window if it has grown past
// maxSamples.
func (w *SlidingWindow) Push(y float64, x []float64) {
	w.Y = append(w.Y, y)
	w.X = append(w.X, x)
	if len(w.Y) > w.maxSamples {
		drop := w.dropBatch
		if drop > len(w.Y) {
			drop = len(w.Y)
		}
		w.Y = w.Y[drop:]
		w.X = w.X[drop:]
	}
}
