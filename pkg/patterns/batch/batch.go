package batch

import (
	"context"
	"sync"
)

// DefaultMaxConcurrency is used when Processor.MaxConcurrency is not positive.
const DefaultMaxConcurrency = 8

// Item is the outcome of one request. Items keep the order of the requests.
type Item[TResult any] struct {
	Result TResult
	Error  error
}

// Result contains the outcome of every request in a batch.
type Result[TResult any] struct {
	Items []Item[TResult]
}

// FirstError returns the error of the earliest failed request, or nil.
func (r *Result[TResult]) FirstError() error {
	for _, item := range r.Items {
		if item.Error != nil {
			return item.Error
		}
	}
	return nil
}

// Processor runs Process over a batch of requests with bounded concurrency.
// Validate is optional and rejects a request without calling Process.
type Processor[TRequest, TResult any] struct {
	MaxConcurrency int
	Validate       func(TRequest) error
	Process        func(context.Context, TRequest) (TResult, error)
}

// Run processes every request and waits for all of them. Requests not yet
// started when ctx is done fail with ctx.Err().
func (p *Processor[TRequest, TResult]) Run(ctx context.Context, requests []TRequest) *Result[TResult] {
	limit := p.MaxConcurrency
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}

	items := make([]Item[TResult], len(requests))
	semaphore := make(chan struct{}, limit)

	var wg sync.WaitGroup
	cancelRest := func(from int) *Result[TResult] {
		for j := from; j < len(requests); j++ {
			items[j] = Item[TResult]{Error: ctx.Err()}
		}
		wg.Wait()
		return &Result[TResult]{Items: items}
	}

	for i, req := range requests {
		if ctx.Err() != nil {
			return cancelRest(i)
		}
		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			return cancelRest(i)
		}

		wg.Add(1)
		go func(index int, request TRequest) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if p.Validate != nil {
				if err := p.Validate(request); err != nil {
					items[index] = Item[TResult]{Error: err}
					return
				}
			}

			result, err := p.Process(ctx, request)
			items[index] = Item[TResult]{Result: result, Error: err}
		}(i, req)
	}

	wg.Wait()
	return &Result[TResult]{Items: items}
}
