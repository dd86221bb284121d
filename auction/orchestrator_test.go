package auction

import (
	"context"
	"testing"
	"time"
)

type fakeProvider struct {
	name  string
	bids  []Bid
	err   error
	delay time.Duration
}

func (f fakeProvider) Name() string { return f.name }
func (f fakeProvider) Send(ctx context.Context, req AuctionRequest) (AuctionResponse, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return AuctionResponse{}, ctx.Err()
		}
	}
	return AuctionResponse{Bids: f.bids}, f.err
}

type fakeMediator struct {
	bids []Bid
	err  error
}

func (f fakeMediator) Mediate(ctx context.Context, req AuctionRequest, bids []Bid) (AuctionResponse, error) {
	return AuctionResponse{Bids: f.bids}, f.err
}

func oneSlotReq(slotID string) AuctionRequest {
	return AuctionRequest{Slots: []Slot{{SlotID: slotID}}}
}

func TestRunPicksHighestPrice(t *testing.T) {
	o := New([]Provider{
		fakeProvider{name: "a", bids: []Bid{{SlotID: "s1", Provider: "a", PriceMicros: 100}}},
		fakeProvider{name: "b", bids: []Bid{{SlotID: "s1", Provider: "b", PriceMicros: 500}}},
	}, nil, time.Second, time.Second)
	got, err := o.Run(context.Background(), oneSlotReq("s1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got.Bids) != 1 || got.Bids[0].Provider != "b" {
		t.Fatalf("expected provider b to win, got %+v", got.Bids)
	}
}

func TestRunExcludesOpaqueBidsWithoutMediator(t *testing.T) {
	o := New([]Provider{
		fakeProvider{name: "a", bids: []Bid{{SlotID: "s1", Provider: "a", PriceMicros: 9000, Opaque: true}}},
		fakeProvider{name: "b", bids: []Bid{{SlotID: "s1", Provider: "b", PriceMicros: 50}}},
	}, nil, time.Second, time.Second)
	got, err := o.Run(context.Background(), oneSlotReq("s1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got.Bids) != 1 || got.Bids[0].Provider != "b" {
		t.Fatalf("expected the non-opaque bid to win, got %+v", got.Bids)
	}
}

func TestRunToleratesProviderFailure(t *testing.T) {
	o := New([]Provider{
		fakeProvider{name: "a", err: context.DeadlineExceeded},
		fakeProvider{name: "b", bids: []Bid{{SlotID: "s1", Provider: "b", PriceMicros: 10}}},
	}, nil, time.Second, time.Second)
	got, err := o.Run(context.Background(), oneSlotReq("s1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got.Bids) != 1 || got.Bids[0].Provider != "b" {
		t.Fatalf("expected surviving provider to win, got %+v", got.Bids)
	}
}

func TestRunRespectsPerProviderTimeout(t *testing.T) {
	o := New([]Provider{
		fakeProvider{name: "slow", bids: []Bid{{SlotID: "s1", Provider: "slow", PriceMicros: 1000}}, delay: 50 * time.Millisecond},
	}, nil, 5*time.Millisecond, time.Second)
	got, err := o.Run(context.Background(), oneSlotReq("s1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got.Bids) != 0 {
		t.Fatalf("expected timed-out provider to yield no bid, got %+v", got.Bids)
	}
}

func TestRunUsesMediatorWhenConfigured(t *testing.T) {
	o := New(nil, fakeMediator{bids: []Bid{{SlotID: "s1", Provider: "mediator", PriceMicros: 1}}}, time.Second, time.Second)
	got, err := o.Run(context.Background(), oneSlotReq("s1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got.Bids) != 1 || got.Bids[0].Provider != "mediator" {
		t.Fatalf("expected mediator bid, got %+v", got.Bids)
	}
}

func TestRunTieBreaksByConfiguredProviderOrder(t *testing.T) {
	o := New([]Provider{
		fakeProvider{name: "first", bids: []Bid{{SlotID: "s1", Provider: "first", PriceMicros: 100, CRID: "z"}}},
		fakeProvider{name: "second", bids: []Bid{{SlotID: "s1", Provider: "second", PriceMicros: 100, CRID: "a"}}},
	}, nil, time.Second, time.Second)
	got, err := o.Run(context.Background(), oneSlotReq("s1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got.Bids) != 1 || got.Bids[0].Provider != "first" {
		t.Fatalf("expected earlier-configured provider to win an equal-price tie, got %+v", got.Bids)
	}
}

func TestRunTieBreaksBySameProviderEarlierCRID(t *testing.T) {
	o := New([]Provider{
		fakeProvider{name: "a", bids: []Bid{
			{SlotID: "s1", Provider: "a", PriceMicros: 100, CRID: "bbb"},
			{SlotID: "s1", Provider: "a", PriceMicros: 100, CRID: "aaa"},
		}},
	}, nil, time.Second, time.Second)
	got, err := o.Run(context.Background(), oneSlotReq("s1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got.Bids) != 1 || got.Bids[0].CRID != "aaa" {
		t.Fatalf("expected lexicographically earlier bid id to win, got %+v", got.Bids)
	}
}

func TestRunSelectsWinnerIndependentlyPerSlot(t *testing.T) {
	o := New([]Provider{
		fakeProvider{name: "a", bids: []Bid{
			{SlotID: "s1", Provider: "a", PriceMicros: 100},
			{SlotID: "s2", Provider: "a", PriceMicros: 5},
		}},
		fakeProvider{name: "b", bids: []Bid{
			{SlotID: "s1", Provider: "b", PriceMicros: 10},
			{SlotID: "s2", Provider: "b", PriceMicros: 50},
		}},
	}, nil, time.Second, time.Second)
	got, err := o.Run(context.Background(), AuctionRequest{Slots: []Slot{{SlotID: "s1"}, {SlotID: "s2"}}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	winners := map[string]string{}
	for _, b := range got.Bids {
		winners[b.SlotID] = b.Provider
	}
	if winners["s1"] != "a" || winners["s2"] != "b" {
		t.Fatalf("expected per-slot independent winners, got %+v", winners)
	}
}
