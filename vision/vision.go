package vision

import (
	"context"
	"time"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"waste-pricing/metrics"
	"waste-pricing/waste"
)

// Analyzer detects waste in a single image.
type Analyzer interface {
	AnalyzeImage(ctx context.Context, imageURL string) (*waste.WasteAnalysisResult, error)
}

// AnalyzeImages runs the analyzer over every URL with at most concurrency
// calls in flight. A failed image becomes an empty detection list for that
// URL; the returned slice always has one entry per URL in input order.
func AnalyzeImages(ctx context.Context, a Analyzer, imageURLs []string, concurrency int) []waste.WasteAnalysisResult {
	results := make([]waste.WasteAnalysisResult, len(imageURLs))
	if concurrency <= 0 {
		concurrency = 1
	}

	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for i, url := range imageURLs {
		g.Go(func() error {
			res, err := a.AnalyzeImage(ctx, url)
			if err != nil || res == nil {
				log.WithFields(log.Fields{"image_url": url}).Warnf("Image analysis failed: %v", err)
				metrics.VisionImageFailures.Inc()
				results[i] = emptyResult(url)
				return nil
			}
			res.ImageURL = url
			results[i] = *res
			return nil
		})
	}
	// Workers never return errors.
	_ = g.Wait()
	return results
}

func emptyResult(url string) waste.WasteAnalysisResult {
	return waste.WasteAnalysisResult{
		Items:      []waste.WasteItem{},
		AnalyzedAt: time.Now().UTC(),
		ImageURL:   url,
	}
}
