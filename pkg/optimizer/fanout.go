package optimizer

import (
	"context"
	"errors"
	"sync"
)

// chunkSize is the number of market ids carried by one fan-out fetch.
const chunkSize = 50

// FanOut runs grouped, chunked fetches with bounded concurrency.
type FanOut struct {
	concurrency int
}

// NewFanOut creates a fan-out runner. Concurrency is clamped to 1..10.
func NewFanOut(concurrency int) *FanOut {
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 10 {
		concurrency = 10
	}
	return &FanOut{concurrency: concurrency}
}

// FetchGrouped partitions ids by groupOf, splits each group into
// chunks of at most 50, and runs fetch over the chunks with at most
// the configured number of in-flight calls. Chunks never mix groups,
// so one downstream call touches markets of a single verse. All
// chunks are attempted even after a failure; the collected errors are
// joined.
func (f *FanOut) FetchGrouped(ctx context.Context, ids []string, groupOf func(id string) string, fetch func(ctx context.Context, ids []string) error) error {
	if len(ids) == 0 {
		return nil
	}

	groups := make(map[string][]string)
	order := make([]string, 0)
	for _, id := range ids {
		g := groupOf(id)
		if _, ok := groups[g]; !ok {
			order = append(order, g)
		}
		groups[g] = append(groups[g], id)
	}

	var chunks [][]string
	for _, g := range order {
		members := groups[g]
		for len(members) > 0 {
			n := len(members)
			if n > chunkSize {
				n = chunkSize
			}
			chunks = append(chunks, members[:n])
			members = members[n:]
		}
	}

	sem := make(chan struct{}, f.concurrency)
	errCh := make(chan error, len(chunks))
	var wg sync.WaitGroup

	for _, chunk := range chunks {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(chunk []string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fetch(ctx, chunk); err != nil {
				errCh <- err
			}
		}(chunk)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
