package ingestion_engine

import "time"

// SyncConfig bounds the work a single sync run does at once.
type SyncConfig struct {
	BatchSize          int           // records per batch within one content type
	VariantConcurrency int           // content types processed in parallel
	ItemTimeout        time.Duration // deadline for one record's lock and upsert
}

func (c *SyncConfig) withDefaults() SyncConfig {
	out := *c
	if out.BatchSize <= 0 {
		out.BatchSize = 10
	}
	if out.VariantConcurrency <= 0 {
		out.VariantConcurrency = 3
	}
	if out.ItemTimeout <= 0 {
		out.ItemTimeout = 30 * time.Second
	}
	return out
}
