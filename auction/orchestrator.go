// Package auction implements the concurrent provider fan-out that picks
// winning ad creatives for a request's slots, fronting each provider's
// own HTTP round trip with a per-provider timeout budget and the whole
// auction with an overall budget.
package auction

import (
	"context"
	"sort"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/trustedserver/edgecore/metrics"
	"github.com/trustedserver/edgecore/rewrite"
)

// Size is one creative dimension a slot will accept.
type Size struct {
	Width, Height int
}

// Slot is one ad placement opportunity on the page.
type Slot struct {
	SlotID    string
	Sizes     []Size
	MediaType string
}

// RequestContext carries the page- and user-level signals providers need
// to target a bid, independent of any individual slot.
type RequestContext struct {
	PageURL    string
	UserAgent  string
	GeoCountry string
	Consent    string
}

// AuctionRequest describes every slot available on the current page view.
type AuctionRequest struct {
	RequestID       string
	SyntheticID     string
	PublisherDomain string
	Slots           []Slot
	Context         RequestContext
	Params          map[string]string
}

// Bid is one provider's response for one slot. Opaque bids carry a
// provider-encoded price that cannot be compared against other
// providers' prices (e.g. a managed deal with a server-side floor) and
// are excluded from price-based winner selection unless a mediator is
// configured to interpret them.
type Bid struct {
	SlotID      string
	Provider    string
	PriceMicros int64
	Opaque      bool
	AdMarkup    string
	Width       int
	Height      int
	Seat        string
	ADomain     []string
	CRID        string
	NURL        string
	BURL        string
}

// AuctionResponse is either one provider's raw reply or, as returned by
// the Orchestrator, the final set of per-slot winners.
type AuctionResponse struct {
	Bids    []Bid
	Elapsed time.Duration
}

// Provider is one bidding backend, queried with the full slot set on
// every auction.
type Provider interface {
	Name() string
	Send(ctx context.Context, req AuctionRequest) (AuctionResponse, error)
}

// Mediator receives every bid collected from every provider and returns
// the final winners. Used instead of the orchestrator's own per-slot
// selection when the publisher has delegated winner choice to an
// upstream ad server that itself understands providers' opaque prices.
type Mediator interface {
	Mediate(ctx context.Context, req AuctionRequest, bids []Bid) (AuctionResponse, error)
}

// Orchestrator runs a set of Providers concurrently and picks winners.
type Orchestrator struct {
	providers   []Provider
	order       map[string]int
	mediator    Mediator
	perProvider time.Duration
	overall     time.Duration

	// Mapper, when set, rewrites winning bids' AdMarkup through the same
	// element-local URL rewriter used for publisher pages before a
	// response is returned.
	Mapper *rewrite.Mapper
}

// New builds an Orchestrator. A non-nil mediator takes over winner
// selection for the whole auction instead of the orchestrator's own
// per-slot price comparison.
func New(providers []Provider, mediator Mediator, perProviderTimeout, overallTimeout time.Duration) *Orchestrator {
	order := make(map[string]int, len(providers))
	for i, p := range providers {
		order[p.Name()] = i
	}
	return &Orchestrator{
		providers:   providers,
		order:       order,
		mediator:    mediator,
		perProvider: perProviderTimeout,
		overall:     overallTimeout,
	}
}

// Run executes the auction: fan out to every provider concurrently,
// await all within the overall budget, then either hand the collected
// bids to the configured mediator or select a winner per slot directly.
func (o *Orchestrator) Run(ctx context.Context, req AuctionRequest) (AuctionResponse, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.overall)
	defer cancel()

	bids := o.fanOut(ctx, req)

	var resp AuctionResponse
	if o.mediator != nil {
		out, err := o.mediator.Mediate(ctx, req, bids)
		if err != nil {
			return AuctionResponse{}, err
		}
		resp = out
	} else {
		resp = AuctionResponse{Bids: o.pickWinners(req.Slots, bids)}
	}

	if o.Mapper != nil {
		for i := range resp.Bids {
			rewritten, err := RewriteCreativeMarkup(resp.Bids[i].AdMarkup, o.Mapper)
			if err != nil {
				glog.Warningf("auction: creative rewrite failed for slot %s: %v", resp.Bids[i].SlotID, err)
				continue
			}
			resp.Bids[i].AdMarkup = rewritten
		}
	}

	resp.Elapsed = time.Since(start)
	return resp, nil
}

// fanOut queries every provider with the full request concurrently and
// returns the union of every bid any provider returned. A provider that
// errors or exceeds its own timeout is excluded without failing the
// auction.
func (o *Orchestrator) fanOut(ctx context.Context, req AuctionRequest) []Bid {
	results := make([][]Bid, len(o.providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range o.providers {
		i, p := i, p
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, o.perProvider)
			defer cancel()
			resp, err := p.Send(pctx, req)
			if err != nil {
				glog.Warningf("auction: provider %s failed: %v", p.Name(), err)
				metrics.AuctionBidsTotal.WithLabelValues(p.Name(), "error").Inc()
				return nil
			}
			results[i] = resp.Bids
			return nil
		})
	}
	_ = g.Wait()

	var bids []Bid
	for _, rs := range results {
		bids = append(bids, rs...)
	}
	return bids
}

// pickWinners selects, independently for each slot in order, the
// highest-priced eligible bid targeting that slot. Opaque bids are
// ineligible without a mediator and are logged and counted as excluded
// rather than silently dropped.
func (o *Orchestrator) pickWinners(slots []Slot, bids []Bid) []Bid {
	var winners []Bid
	for _, slot := range slots {
		var candidates []Bid
		for _, b := range bids {
			if b.SlotID != slot.SlotID {
				continue
			}
			if b.Opaque {
				glog.Warningf("auction: excluding opaque bid from provider %s for slot %s, no mediator configured", b.Provider, slot.SlotID)
				metrics.AuctionBidsTotal.WithLabelValues(b.Provider, "opaque_excluded").Inc()
				continue
			}
			candidates = append(candidates, b)
		}
		winner, ok := o.pickWinnerForSlot(candidates)
		if !ok {
			continue
		}
		for _, b := range candidates {
			outcome := "lost"
			if b.Provider == winner.Provider && b.CRID == winner.CRID {
				outcome = "won"
			}
			metrics.AuctionBidsTotal.WithLabelValues(b.Provider, outcome).Inc()
		}
		winners = append(winners, winner)
	}
	return winners
}

// pickWinnerForSlot applies the deterministic tie-break: highest price
// wins; equal price falls back to the provider's position in the
// configured order; equal provider falls back to the earlier bid id
// (CRID) lexicographically. The result never depends on goroutine
// scheduling.
func (o *Orchestrator) pickWinnerForSlot(bids []Bid) (Bid, bool) {
	if len(bids) == 0 {
		return Bid{}, false
	}
	sort.SliceStable(bids, func(i, j int) bool {
		a, b := bids[i], bids[j]
		if a.PriceMicros != b.PriceMicros {
			return a.PriceMicros > b.PriceMicros
		}
		if o.order[a.Provider] != o.order[b.Provider] {
			return o.order[a.Provider] < o.order[b.Provider]
		}
		return a.CRID < b.CRID
	})
	return bids[0], true
}
