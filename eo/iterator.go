package eo

import (
	"context"
	"net/url"
	"strconv"

	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/search"
)

// ResultIterator provides streaming access to paginated collection results.
type ResultIterator struct {
	client     *Client
	collection search.Collection
	query      url.Values
	pageSize   int
	limit      int
	seen       int
	page       int
	index      int
	batch      []model.Image
	lastErr    error
	exhausted  bool
}

func newResultIterator(client *Client, collection search.Collection, query url.Values, pageSize, limit int) *ResultIterator {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &ResultIterator{
		client:     client,
		collection: collection,
		query:      cloneValues(query),
		pageSize:   pageSize,
		limit:      limit,
		page:       1,
	}
}

// Next advances to the next image. It returns false when iteration is
// complete, the result limit is reached, or an error occurred.
func (it *ResultIterator) Next(ctx context.Context) bool {
	if it.exhausted {
		return false
	}
	if it.limit > 0 && it.seen >= it.limit {
		it.exhausted = true
		return false
	}

	if it.index < len(it.batch) {
		it.index++
		it.seen++
		return true
	}

	if it.lastErr != nil {
		return false
	}

	if err := it.loadNext(ctx); err != nil {
		it.lastErr = err
		return false
	}

	if len(it.batch) == 0 {
		it.exhausted = true
		return false
	}

	it.index = 1
	it.seen++
	return true
}

// Image returns the current image. Call after Next returns true.
func (it *ResultIterator) Image() model.Image {
	if it.index == 0 || it.index > len(it.batch) {
		return model.Image{}
	}
	return it.batch[it.index-1]
}

// Err reports any error encountered during iteration.
func (it *ResultIterator) Err() error {
	return it.lastErr
}

func (it *ResultIterator) loadNext(ctx context.Context) error {
	it.query.Set("page", strconv.Itoa(it.page))
	it.query.Set("pageSize", strconv.Itoa(it.pageSize))

	resp, err := it.client.doSearchRequest(ctx, it.collection, it.query)
	if err != nil {
		return err
	}

	it.batch = resp.Images
	it.index = 0
	it.page++
	if len(resp.Images) == 0 {
		it.exhausted = true
	}
	return nil
}

func cloneValues(v url.Values) url.Values {
	cp := make(url.Values, len(v))
	for k, vals := range v {
		dup := make([]string, len(vals))
		copy(dup, vals)
		cp[k] = dup
	}
	return cp
}
