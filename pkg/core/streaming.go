package core

import (
	"context"
	"sync"

	"github.com/oceanbase/memctx/pkg/recall"
)

// StreamingRecallResult contains a batch of recalled items.
type StreamingRecallResult struct {
	// Items is a batch of recalled items, in recall order.
	Items []RecallItem

	// BatchIndex is the index of this batch (0-based).
	BatchIndex int

	// IsLastBatch indicates whether this is the last batch.
	IsLastBatch bool

	// Warnings lists the scopes that did not answer. Only set on the last
	// batch.
	Warnings []recall.ScopeWarning

	// Error contains any error that occurred during streaming (if any).
	Error error
}

// RecallStream recalls once and delivers the merged items in batches of
// batchSize. The channel is closed after the last batch or an error.
//
// Example:
//
//	for batch := range client.RecallStream(ctx, req, 50, core.WithLimit(500)) {
//	    if batch.Error != nil {
//	        log.Fatal(batch.Error)
//	    }
//	    for _, it := range batch.Items {
//	        fmt.Println(it.Source, it.Entry.Content)
//	    }
//	}
func (c *Client) RecallStream(ctx context.Context, req Requester, batchSize int, opts ...RecallOption) <-chan *StreamingRecallResult {
	resultChan := make(chan *StreamingRecallResult, 1)

	go func() {
		defer close(resultChan)

		res, err := c.Recall(ctx, req, opts...)
		if err != nil {
			resultChan <- &StreamingRecallResult{Error: err}
			return
		}
		if batchSize <= 0 {
			batchSize = len(res.Items)
		}
		if len(res.Items) == 0 {
			resultChan <- &StreamingRecallResult{IsLastBatch: true, Warnings: res.Warnings}
			return
		}

		for batchIndex, start := 0, 0; start < len(res.Items); batchIndex, start = batchIndex+1, start+batchSize {
			end := min(start+batchSize, len(res.Items))
			batch := &StreamingRecallResult{
				Items:       res.Items[start:end],
				BatchIndex:  batchIndex,
				IsLastBatch: end == len(res.Items),
			}
			if batch.IsLastBatch {
				batch.Warnings = res.Warnings
			}
			select {
			case resultChan <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()

	return resultChan
}

// BatchAppendResult contains the result of a batch append operation.
type BatchAppendResult struct {
	// Appended contains the accepted entries, in input order.
	Appended []*Entry

	// Failed contains the contents that were rejected, with their errors.
	Failed []BatchAppendError

	// Total is the total number of items in the batch.
	Total int

	// AppendedCount is the number of accepted contents.
	AppendedCount int

	// FailedCount is the number of rejected contents.
	FailedCount int
}

// BatchAppendError describes one rejected content of a batch append.
type BatchAppendError struct {
	// Index is the index of the item in the original batch.
	Index int

	// Error is the error that occurred.
	Error error
}

// BatchAppend appends contents to one context in order. The context is
// resolved once, so a concurrent Start does not split the batch. An item
// that fails does not stop the rest; a cancelled ctx fails the remainder.
//
// Example:
//
//	res, err := client.BatchAppend(ctx, req, lines, core.WithTier(core.Tier(2)))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("appended %d/%d\n", res.AppendedCount, res.Total)
func (c *Client) BatchAppend(ctx context.Context, req Requester, contents []string, opts ...AppendOption) (*BatchAppendResult, error) {
	result := &BatchAppendResult{Total: len(contents)}
	if len(contents) == 0 {
		return result, nil
	}

	o := applyAppendOptions(opts)
	id, err := c.resolve(ctx, req, o.ContextHint)
	if err != nil {
		return nil, wrap("BatchAppend", err)
	}
	opts = append(opts[:len(opts):len(opts)], WithContext(id))

	result.Appended = make([]*Entry, 0, len(contents))
	for i, content := range contents {
		if err := ctx.Err(); err != nil {
			result.Failed = append(result.Failed, BatchAppendError{Index: i, Error: err})
			continue
		}
		e, err := c.Append(ctx, req, content, opts...)
		if err != nil {
			result.Failed = append(result.Failed, BatchAppendError{Index: i, Error: err})
			continue
		}
		result.Appended = append(result.Appended, e)
	}
	result.AppendedCount = len(result.Appended)
	result.FailedCount = len(result.Failed)
	return result, nil
}

// BatchStopResult contains the result of a batch stop operation.
type BatchStopResult struct {
	// Stopped lists the hints that were stopped.
	Stopped []string

	// Failed maps hints to the error that kept them running.
	Failed map[string]error
}

// BatchStop stops several contexts concurrently. Each context flushes its
// own buffer, so order among them does not matter.
func (c *Client) BatchStop(ctx context.Context, req Requester, hints []string) *BatchStopResult {
	result := &BatchStopResult{Failed: make(map[string]error)}

	const maxConcurrency = 8
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, hint := range hints {
		wg.Add(1)
		sem <- struct{}{}

		go func(hint string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := c.Stop(ctx, req, WithContextForStop(hint))

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[hint] = err
				return
			}
			result.Stopped = append(result.Stopped, hint)
		}(hint)
	}

	wg.Wait()
	return result
}
