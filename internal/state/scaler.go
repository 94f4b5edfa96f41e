package state

import (
	"fmt"
	"math"

	"github.com/nathanyu/qtrader/internal/domain"
)

// Features are the continuous inputs the scaler discretizes.
type Features struct {
	OFI       float64
	QBid      float64
	BookRatio float64
	LogReturn float64
}

func (f Features) vector() [4]float64 {
	return [4]float64{f.OFI, f.QBid, f.BookRatio, f.LogReturn}
}

// Scaler maps features to a cluster id. Implementations must be pure.
type Scaler interface {
	Transform(f Features) int
}

// CentroidScaler standardizes features and returns the index of the nearest
// centroid. Centroids are expressed in standardized units.
type CentroidScaler struct {
	means     [4]float64
	stds      [4]float64
	centroids [][4]float64
}

// NewCentroidScaler validates the fitted parameters. means and stds may be
// empty, meaning no standardization.
func NewCentroidScaler(means, stds []float64, centroids [][]float64) (*CentroidScaler, error) {
	s := &CentroidScaler{stds: [4]float64{1, 1, 1, 1}}
	if len(centroids) == 0 {
		return nil, fmt.Errorf("scaler: no centroids: %w", domain.ErrInvalidConfiguration)
	}
	if len(means) > 0 {
		if len(means) != 4 || len(stds) != 4 {
			return nil, fmt.Errorf("scaler: means and stds need 4 values: %w", domain.ErrInvalidConfiguration)
		}
		for i := range 4 {
			if stds[i] <= 0 {
				return nil, fmt.Errorf("scaler: std %d must be positive: %w", i, domain.ErrInvalidConfiguration)
			}
			s.means[i], s.stds[i] = means[i], stds[i]
		}
	}
	for i, c := range centroids {
		if len(c) != 4 {
			return nil, fmt.Errorf("scaler: centroid %d needs 4 values: %w", i, domain.ErrInvalidConfiguration)
		}
		s.centroids = append(s.centroids, [4]float64{c[0], c[1], c[2], c[3]})
	}
	return s, nil
}

// Transform returns the nearest centroid; ties go to the lower index.
func (s *CentroidScaler) Transform(f Features) int {
	v := f.vector()
	for i := range v {
		v[i] = (v[i] - s.means[i]) / s.stds[i]
	}

	best, bestDist := 0, math.Inf(1)
	for i, c := range s.centroids {
		var d float64
		for j := range c {
			diff := v[j] - c[j]
			d += diff * diff
		}
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// Clusters returns the number of centroids.
func (s *CentroidScaler) Clusters() int { return len(s.centroids) }
