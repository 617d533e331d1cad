package stripe

import (
	"context"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
	stripesdk "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/subscription"
)

// statusRank orders statuses so the most authoritative subscription wins
// when a customer has several.
var statusRank = map[lifecycle.ProcessorStatus]int{
	lifecycle.ProcessorStatusActive:            6,
	lifecycle.ProcessorStatusTrialing:          6,
	lifecycle.ProcessorStatusPastDue:           5,
	lifecycle.ProcessorStatusUnpaid:            4,
	lifecycle.ProcessorStatusPaused:            4,
	lifecycle.ProcessorStatusIncomplete:        3,
	lifecycle.ProcessorStatusCanceled:          2,
	lifecycle.ProcessorStatusIncompleteExpired: 1,
}

// Fetcher reads the authoritative subscription status from the Stripe API.
type Fetcher struct {
	client subscription.Client
	now    func() time.Time
}

// NewFetcher creates a fetcher using the default Stripe backend
func NewFetcher(key string) *Fetcher {
	return NewFetcherWithBackend(key, stripesdk.GetBackend(stripesdk.APIBackend))
}

// NewFetcherWithBackend lets callers point the client at another API base.
func NewFetcherWithBackend(key string, backend stripesdk.Backend) *Fetcher {
	return &Fetcher{
		client: subscription.Client{B: backend, Key: key},
		now:    time.Now,
	}
}

// NewBackend returns a Stripe API backend for url, an empty url keeps the default.
func NewBackend(url string) stripesdk.Backend {
	if url == "" {
		return stripesdk.GetBackend(stripesdk.APIBackend)
	}
	return stripesdk.GetBackendWithConfig(stripesdk.APIBackend, &stripesdk.BackendConfig{
		URL:               stripesdk.String(url),
		MaxNetworkRetries: stripesdk.Int64(0),
	})
}

// FetchSubscriptionStatus implements lifecycle.SubscriptionFetcher.
func (f *Fetcher) FetchSubscriptionStatus(ctx context.Context, customerRef string) (lifecycle.SubscriptionSnapshot, error) {
	params := &stripesdk.SubscriptionListParams{
		Customer: stripesdk.String(customerRef),
		Status:   stripesdk.String("all"),
	}
	params.Context = ctx

	snapshot := lifecycle.SubscriptionSnapshot{
		CustomerRef: customerRef,
		Status:      lifecycle.ProcessorStatusNone,
	}

	best := -1
	iter := f.client.List(params)
	for iter.Next() {
		sub := iter.Subscription()
		status := lifecycle.ProcessorStatus(sub.Status)
		rank, ok := statusRank[status]
		if !ok || rank <= best {
			continue
		}
		best = rank
		snapshot.SubscriptionRef = sub.ID
		snapshot.Status = status
		snapshot.CurrentPeriodEnd = nil
		if sub.CurrentPeriodEnd > 0 {
			end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			snapshot.CurrentPeriodEnd = &end
		}
	}
	if err := iter.Err(); err != nil {
		return lifecycle.SubscriptionSnapshot{}, lifecycle.NewUpstreamUnavailable(err, "failed to list stripe subscriptions")
	}

	snapshot.FetchedAt = f.now().UTC()
	return snapshot, nil
}
