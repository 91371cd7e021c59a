package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// ScrapeDispatcher publishes scrape jobs to Kafka.
type ScrapeDispatcher struct {
	writer *kafka.Writer
}

// NewScrapeDispatcher constructs a dispatcher for the given topic.
func NewScrapeDispatcher(k *Kafka, topic string) *ScrapeDispatcher {
	return &ScrapeDispatcher{writer: k.NewWriter(topic)}
}

// DispatchScrape writes the job to Kafka.
func (d *ScrapeDispatcher) DispatchScrape(ctx context.Context, job ScrapeJob) error {
	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("scrape dispatcher: marshal job: %w", err)
	}

	record := kafka.Message{
		Key:   job.JobID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}

	if err := d.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("scrape dispatcher: write job: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (d *ScrapeDispatcher) Close() error {
	return d.writer.Close()
}
