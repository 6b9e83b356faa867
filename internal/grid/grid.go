// ============================================================================
// Beaver-Audit Grid Sampler - Geospatial Rank Fan-out
// ============================================================================
//
// Package: internal/grid
// File: grid.go
// Function: Build an N×N lattice around a center, run one rank check per point,
//           aggregate average / best / worst rank
//
// Lattice (size = 3, radius r):
//
//   (+r,-r)  (+r,0)  (+r,+r)
//   ( 0,-r)  ( 0,0)  ( 0,+r)
//   (-r,-r)  (-r,0)  (-r,+r)
//
//   Δlat = miles / 69
//   Δlng = miles / (69 · cos(lat))
//   Small-angle approximation, fine at city scale, not geodesic.
//
// Concurrency:
//   errgroup with SetLimit bounds in-flight provider requests. A point that
//   fails permanently or exhausts retries keeps a nil rank; only context
//   cancellation aborts the grid.
//
// ============================================================================

package grid

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-audit/internal/jobclient"
	"github.com/ChuLiYu/beaver-audit/pkg/types"
)

// milesPerDegree is the length of one degree of latitude.
const milesPerDegree = 69.0

// DefaultConcurrency in-flight rank checks per grid.
const DefaultConcurrency = 8

var (
	// ErrInvalidSize gridSize is not one of AllowedSizes.
	ErrInvalidSize = errors.New("invalid grid size")
	// ErrInvalidRadius radius is not one of AllowedRadii.
	ErrInvalidRadius = errors.New("invalid grid radius")
	// ErrInvalidCenter center is outside valid coordinates.
	ErrInvalidCenter = errors.New("invalid grid center")
	// ErrMissingKeyword keyword is empty.
	ErrMissingKeyword = errors.New("grid keyword is required")
)

// AllowedSizes lattice dimensions offered by the dashboard.
var AllowedSizes = []int{3, 5, 7}

// AllowedRadii radius menu in miles.
var AllowedRadii = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2}

// Request one grid sampling run.
type Request struct {
	Center      types.LatLng
	RadiusMiles float64
	GridSize    int
	Keyword     string
	Zoom        int
}

// Validate checks the request against the menu.
func (r Request) Validate() error {
	if !slices.Contains(AllowedSizes, r.GridSize) {
		return fmt.Errorf("%w: %d", ErrInvalidSize, r.GridSize)
	}
	if !slices.Contains(AllowedRadii, r.RadiusMiles) {
		return fmt.Errorf("%w: %g", ErrInvalidRadius, r.RadiusMiles)
	}
	if r.Center.Lat < -89 || r.Center.Lat > 89 || r.Center.Lng < -180 || r.Center.Lng > 180 {
		return fmt.Errorf("%w: %v", ErrInvalidCenter, r.Center)
	}
	if r.Keyword == "" {
		return ErrMissingKeyword
	}
	return nil
}

// CheckFunc runs one rank check for a point.
type CheckFunc func(ctx context.Context, at types.LatLng) (types.RankCheckResult, error)

// Sampler fans a grid out through a CheckFunc.
type Sampler struct {
	concurrency int
}

// NewSampler creates a sampler; concurrency <= 0 uses DefaultConcurrency.
func NewSampler(concurrency int) *Sampler {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Sampler{concurrency: concurrency}
}

// Points generates the size×size lattice, row-major from the north-west
// corner.
func Points(center types.LatLng, radiusMiles float64, size int) []types.GridPoint {
	if size < 1 {
		return nil
	}
	if size == 1 {
		return []types.GridPoint{{LatLng: center}}
	}

	latSpan := radiusMiles / milesPerDegree
	lngSpan := radiusMiles / (milesPerDegree * math.Cos(center.Lat*math.Pi/180))
	step := 2.0 / float64(size-1)

	points := make([]types.GridPoint, 0, size*size)
	for row := 0; row < size; row++ {
		fy := 1 - float64(row)*step
		for col := 0; col < size; col++ {
			fx := -1 + float64(col)*step
			points = append(points, types.GridPoint{LatLng: types.LatLng{
				Lat: center.Lat + fy*latSpan,
				Lng: center.Lng + fx*lngSpan,
			}})
		}
	}
	return points
}

// Run samples every lattice point and aggregates the result.
func (s *Sampler) Run(ctx context.Context, req Request, check CheckFunc) (types.GridResult, error) {
	if err := req.Validate(); err != nil {
		return types.GridResult{}, err
	}

	points := Points(req.Center, req.RadiusMiles, req.GridSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range points {
		g.Go(func() error {
			res, err := check(gctx, points[i].LatLng)
			if err != nil {
				if errors.Is(err, jobclient.ErrCanceled) || gctx.Err() != nil {
					return err
				}
				// Each goroutine owns points[i]; no lock needed.
				points[i].Error = err.Error()
				return nil
			}
			points[i].Result = &res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.GridResult{}, err
	}

	out := Aggregate(points)
	out.Keyword = req.Keyword
	out.Center = req.Center
	out.RadiusMiles = req.RadiusMiles
	out.GridSize = req.GridSize
	return out, nil
}

// Aggregate computes average/best/worst over ranked points. Unranked points
// stay in Points for map rendering.
func Aggregate(points []types.GridPoint) types.GridResult {
	out := types.GridResult{Points: points}

	sum := 0
	for _, p := range points {
		rank := p.Rank()
		if rank == nil {
			continue
		}
		r := *rank
		sum += r
		out.RankedCount++
		if out.BestRank == nil || r < *out.BestRank {
			best := r
			out.BestRank = &best
		}
		if out.WorstRank == nil || r > *out.WorstRank {
			worst := r
			out.WorstRank = &worst
		}
	}
	if out.RankedCount > 0 {
		avg := float64(sum) / float64(out.RankedCount)
		out.AverageRank = &avg
	}
	return out
}
