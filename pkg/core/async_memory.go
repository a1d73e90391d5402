package core

import (
	"context"
	"sync"
)

// AppendResult is delivered by AppendAsync.
type AppendResult struct {
	Entry *Entry
	Error error
}

// AsyncRecallResult is delivered by RecallAsync.
type AsyncRecallResult struct {
	Result *RecallResult
	Error  error
}

// AsyncClient runs Client operations in goroutines and delivers their
// results on channels. Wait blocks until every started operation is done.
//
// Appends issued concurrently through AsyncClient have no order among
// themselves. Use Append or BatchAppend when order matters.
//
// Example:
//
//	ac, _ := core.NewAsyncClient(cfg)
//	defer ac.Close()
//
//	res := <-ac.RecallAsync(ctx, req, core.WithLimit(20))
//	if res.Error != nil {
//	    log.Fatal(res.Error)
//	}
type AsyncClient struct {
	*Client
	wg sync.WaitGroup
}

// NewAsyncClient creates an AsyncClient over a new Client.
func NewAsyncClient(cfg *Config, opts ...Option) (*AsyncClient, error) {
	client, err := NewClient(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &AsyncClient{Client: client}, nil
}

// AppendAsync appends content in a separate goroutine.
func (ac *AsyncClient) AppendAsync(ctx context.Context, req Requester, content string, opts ...AppendOption) <-chan *AppendResult {
	resultChan := make(chan *AppendResult, 1)
	ac.wg.Add(1)

	go func() {
		defer ac.wg.Done()
		e, err := ac.Append(ctx, req, content, opts...)
		resultChan <- &AppendResult{Entry: e, Error: err}
		close(resultChan)
	}()

	return resultChan
}

// RecallAsync recalls in a separate goroutine.
func (ac *AsyncClient) RecallAsync(ctx context.Context, req Requester, opts ...RecallOption) <-chan *AsyncRecallResult {
	resultChan := make(chan *AsyncRecallResult, 1)
	ac.wg.Add(1)

	go func() {
		defer ac.wg.Done()
		res, err := ac.Recall(ctx, req, opts...)
		resultChan <- &AsyncRecallResult{Result: res, Error: err}
		close(resultChan)
	}()

	return resultChan
}

// StopAsync stops a context in a separate goroutine.
func (ac *AsyncClient) StopAsync(ctx context.Context, req Requester, opts ...StopOption) <-chan error {
	errChan := make(chan error, 1)
	ac.wg.Add(1)

	go func() {
		defer ac.wg.Done()
		errChan <- ac.Stop(ctx, req, opts...)
		close(errChan)
	}()

	return errChan
}

// Wait blocks until all started async operations have finished.
func (ac *AsyncClient) Wait() {
	ac.wg.Wait()
}

// Close waits for pending operations and closes the underlying Client.
func (ac *AsyncClient) Close() error {
	ac.Wait()
	return ac.Client.Close()
}
