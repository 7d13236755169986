package ingest

import (
	"context"
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"sstracker/server/internal/models"
)

func generateTestPayloads(count, entries int) []*models.RawFeedPayload {
	payloads := make([]*models.RawFeedPayload, count)
	for i := range payloads {
		batch := make([]models.FeedEntry, entries)
		for j := range batch {
			batch[j] = carEntry(i*entries + j)
		}
		payloads[i] = feed(i, models.CategoryVehicle, batch...)
	}
	return payloads
}

func BenchmarkCoordinatorRun(b *testing.B) {
	workerCounts := []int{1, 4, 8}
	payloadCounts := []int{10, 50}

	for _, workers := range workerCounts {
		for _, count := range payloadCounts {
			b.Run(fmt.Sprintf("Workers_%d_Payloads_%d", workers, count), func(b *testing.B) {
				payloads := generateTestPayloads(count, 20)

				for i := 0; i < b.N; i++ {
					// Fresh store and ledger, otherwise every pass after the
					// first is skipped.
					b.StopTimer()
					f := newFixture(b, workers)
					f.cfg.Ingest.QueueSize = 16
					c := f.coordinator(b)
					b.StartTimer()

					result, err := c.Run(context.Background(), slices.Values(payloads))
					require.NoError(b, err)
					require.Equal(b, count, result.Processed)
				}
			})
		}
	}
}
