// Package bulk implements memory-aware bulk retrieval: partitioning a set
// of pending files into size-bounded archive batches and building one
// archive at a time under a live memory gauge.
package bulk

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdrop/file"
)

const (
	// DefaultBatchCeiling caps one archive batch's total declared size.
	DefaultBatchCeiling = 400 << 20

	// DefaultOversizeThreshold routes individually larger files to
	// standalone download instead of batching.
	DefaultOversizeThreshold = 350 << 20
)

// Plan partitions pending files: every input lands in exactly one batch or
// the standalone list, never both, never omitted.
type Plan struct {
	Batches    [][]file.Descriptor
	Standalone []file.Descriptor
}

// PlanBatches sorts pending files ascending by size for fast feedback on
// small files, then greedily accumulates size-bounded batches. Files larger
// than the oversize threshold are always excluded from batching. Zero
// parameters select the defaults.
func PlanBatches(pending []file.Descriptor, ceiling, oversize uint64) Plan {
	if ceiling == 0 {
		ceiling = DefaultBatchCeiling
	}
	if oversize == 0 {
		oversize = DefaultOversizeThreshold
	}

	var plan Plan
	batchable := make([]file.Descriptor, 0, len(pending))
	for _, d := range pending {
		if d.Size > oversize {
			plan.Standalone = append(plan.Standalone, d)
			continue
		}
		batchable = append(batchable, d)
	}

	sort.SliceStable(batchable, func(i, j int) bool {
		return batchable[i].Size < batchable[j].Size
	})

	var current []file.Descriptor
	var currentSize uint64
	for _, d := range batchable {
		if currentSize+d.Size <= ceiling {
			current = append(current, d)
			currentSize += d.Size
			continue
		}

		// The file overflows the current batch. Seeded alone into a fresh
		// batch it always fits (oversize pre-filtering bounds it under the
		// ceiling), so flush and start over rather than forcing a
		// single-file batch through standalone.
		if d.Size > ceiling {
			plan.Standalone = append(plan.Standalone, d)
			continue
		}
		if len(current) > 0 {
			plan.Batches = append(plan.Batches, current)
		}
		current = []file.Descriptor{d}
		currentSize = d.Size
	}
	if len(current) > 0 {
		plan.Batches = append(plan.Batches, current)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "PlanBatches",
		"pending":    len(pending),
		"batches":    len(plan.Batches),
		"standalone": len(plan.Standalone),
	}).Info("Bulk retrieval planned")

	return plan
}
