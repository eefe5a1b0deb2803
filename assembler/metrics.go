package assembler

import (
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	keyMode = tag.MustNewKey("mode")

	imagesFetched = stats.Int64("flashdeck/assembler/images_fetched", "Card images delivered to a client", stats.UnitDimensionless)
	imagesMissing = stats.Int64("flashdeck/assembler/images_missing", "Card images that could not be fetched and were left out", stats.UnitDimensionless)
)

// Views returns the views over the assembler's measures.  Register them with
// view.Register to export them.
func Views() []*view.View {
	return []*view.View{
		{
			Name:        "flashdeck/assembler/images_fetched",
			Description: "Total card images delivered to clients",
			TagKeys:     []tag.Key{keyMode},
			Measure:     imagesFetched,
			Aggregation: view.Sum(),
		},
		{
			Name:        "flashdeck/assembler/images_missing",
			Description: "Total card images left out of responses",
			TagKeys:     []tag.Key{keyMode},
			Measure:     imagesMissing,
			Aggregation: view.Sum(),
		},
	}
}
