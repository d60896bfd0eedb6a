package runner

import (
	"context"
	"errors"

	"github.com/goccy/go-json"

	"github.com/ChuLiYu/stepcache/internal/cache"
	"github.com/ChuLiYu/stepcache/pkg/types"
)

// CacheReader is the read side of the cache that runners may use.
type CacheReader interface {
	GetBestResponse(ctx context.Context, kinds []string, key types.PartitionKey) (*cache.BestResponse, error)
}

// VersionSource resolves the current runner version of a cache kind.
type VersionSource interface {
	Version(cacheKind string) (int, error)
}

// Dependencies is what Compute may read besides the job itself.
type Dependencies struct {
	Cache CacheReader
	// Versions is optional. When set, previous results written by another
	// runner version are rejected as stale.
	Versions VersionSource
}

// PreviousStep returns the best response among kinds for key and insists
// that it is usable:
//   - nothing cached gives PreviousStepNotReady
//   - an outdated entry gives PreviousStepStale
//   - an error entry gives PreviousStepError, carrying the upstream answer
//
// The best response is chosen before versions are checked, so the order of
// kinds wins over freshness: a stale success in an earlier kind gives
// PreviousStepStale even when a later kind holds a fresh success. Callers
// list kinds in the order they trust them.
//
// Store failures are returned as they are.
func (d Dependencies) PreviousStep(ctx context.Context, kinds []string, key types.PartitionKey) (*cache.BestResponse, error) {
	best, err := d.Cache.GetBestResponse(ctx, kinds, key)
	if errors.Is(err, cache.ErrDoesNotExist) {
		return nil, NewPreviousStepNotReady(kinds, key)
	}
	if err != nil {
		return nil, err
	}
	if !best.Entry.IsSuccess() {
		return nil, NewPreviousStepError(best)
	}
	if d.Versions != nil {
		if want, err := d.Versions.Version(best.Kind); err == nil && best.Entry.IsStale(want) {
			return nil, NewPreviousStepStale(best.Kind, best.Entry.RunnerVersion, want)
		}
	}
	return best, nil
}

// Validator is implemented by decoded contents that check their own shape.
type Validator interface {
	Validate() error
}

// DecodeContent unmarshals a previous step's content into v. A decode
// failure, or a failed Validate when v implements Validator, is reported
// as PreviousStepFormatError.
func DecodeContent(entry *types.CacheEntry, v any) error {
	if err := json.Unmarshal(entry.Content, v); err != nil {
		return NewPreviousStepFormatError("", err)
	}
	if val, ok := v.(Validator); ok {
		if err := val.Validate(); err != nil {
			return NewPreviousStepFormatError("", err)
		}
	}
	return nil
}
