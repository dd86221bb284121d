// Package provider implements concrete auction.Provider backends.
package provider

import (
	"bytes"
	"context"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/trustedserver/edgecore/auction"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// rtbRequest is the OpenRTB 2.5 bid request this provider sends: one
// impression per slot, banner-only, no video/native support.
type rtbRequest struct {
	ID   string   `json:"id"`
	Imp  []rtbImp `json:"imp"`
	Site rtbSite  `json:"site"`
	User rtbUser  `json:"user"`
}

type rtbImp struct {
	ID     string    `json:"id"`
	Banner rtbBanner `json:"banner"`
}

type rtbBanner struct {
	W int `json:"w"`
	H int `json:"h"`
}

type rtbSite struct {
	Domain string `json:"domain"`
	Page   string `json:"page"`
}

type rtbUser struct {
	ID string `json:"id,omitempty"`
}

type rtbResponse struct {
	SeatBid []rtbSeatBid `json:"seatbid"`
}

type rtbSeatBid struct {
	Seat string   `json:"seat"`
	Bid  []rtbBid `json:"bid"`
}

type rtbBid struct {
	ImpID   string   `json:"impid"`
	Price   float64  `json:"price"`
	AdM     string   `json:"adm"`
	W       int      `json:"w"`
	H       int      `json:"h"`
	ADomain []string `json:"adomain,omitempty"`
	CRID    string   `json:"crid,omitempty"`
	NURL    string   `json:"nurl,omitempty"`
	BURL    string   `json:"burl,omitempty"`
	Opaque  bool     `json:"opaque_price,omitempty"`
}

// OpenRTB bids against a single OpenRTB 2.5-speaking endpoint over HTTP.
type OpenRTB struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewOpenRTB builds a provider named name that posts bid requests to
// endpoint using client (or http.DefaultClient if nil).
func NewOpenRTB(name, endpoint string, client *http.Client) *OpenRTB {
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenRTB{name: name, endpoint: endpoint, client: client}
}

func (o *OpenRTB) Name() string { return o.name }

// Send posts req, translated to one OpenRTB impression per slot, and
// returns every bid the endpoint's seats returned, tagged with this
// provider's name and the slot id each bid's impid names.
func (o *OpenRTB) Send(ctx context.Context, req auction.AuctionRequest) (auction.AuctionResponse, error) {
	body := rtbRequest{
		ID:   req.RequestID,
		Site: rtbSite{Domain: req.PublisherDomain, Page: req.Context.PageURL},
		User: rtbUser{ID: req.SyntheticID},
	}
	for _, slot := range req.Slots {
		var w, h int
		if len(slot.Sizes) > 0 {
			w, h = slot.Sizes[0].Width, slot.Sizes[0].Height
		}
		body.Imp = append(body.Imp, rtbImp{ID: slot.SlotID, Banner: rtbBanner{W: w, H: h}})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return auction.AuctionResponse{}, errors.Wrap(err, "marshaling bid request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(payload))
	if err != nil {
		return auction.AuctionResponse{}, errors.Wrap(err, "building bid request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return auction.AuctionResponse{}, errors.Wrap(err, "sending bid request")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return auction.AuctionResponse{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return auction.AuctionResponse{}, errors.Errorf("bidder %s returned status %d", o.name, resp.StatusCode)
	}

	var out rtbResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return auction.AuctionResponse{}, errors.Wrap(err, "decoding bid response")
	}

	var bids []auction.Bid
	for _, seat := range out.SeatBid {
		for _, b := range seat.Bid {
			bids = append(bids, auction.Bid{
				SlotID:      b.ImpID,
				Provider:    o.name,
				PriceMicros: int64(b.Price * 1_000_000),
				Opaque:      b.Opaque,
				AdMarkup:    b.AdM,
				Width:       b.W,
				Height:      b.H,
				Seat:        seat.Seat,
				ADomain:     b.ADomain,
				CRID:        b.CRID,
				NURL:        b.NURL,
				BURL:        b.BURL,
			})
		}
	}
	return auction.AuctionResponse{Bids: bids}, nil
}

// mediateRequest wraps the original bid request together with every bid
// collected from every provider, for an upstream mediator able to
// interpret opaque prices and pick final winners itself.
type mediateRequest struct {
	Request rtbRequest    `json:"request"`
	Bids    []mediatorBid `json:"bids"`
}

type mediatorBid struct {
	SlotID      string  `json:"slot_id"`
	Provider    string  `json:"provider"`
	PriceMicros int64   `json:"price_micros"`
	Opaque      bool    `json:"opaque"`
	AdM         string  `json:"adm"`
	W           int     `json:"w"`
	H           int     `json:"h"`
	CRID        string  `json:"crid,omitempty"`
	Seat        string  `json:"seat,omitempty"`
}

// Mediate posts the original request alongside every collected bid to
// this endpoint and returns the final winners it selects, in the same
// seatbid shape Send decodes.
func (o *OpenRTB) Mediate(ctx context.Context, req auction.AuctionRequest, bids []auction.Bid) (auction.AuctionResponse, error) {
	rtbReq := rtbRequest{
		ID:   req.RequestID,
		Site: rtbSite{Domain: req.PublisherDomain, Page: req.Context.PageURL},
		User: rtbUser{ID: req.SyntheticID},
	}
	for _, slot := range req.Slots {
		var w, h int
		if len(slot.Sizes) > 0 {
			w, h = slot.Sizes[0].Width, slot.Sizes[0].Height
		}
		rtbReq.Imp = append(rtbReq.Imp, rtbImp{ID: slot.SlotID, Banner: rtbBanner{W: w, H: h}})
	}

	mbids := make([]mediatorBid, len(bids))
	for i, b := range bids {
		mbids[i] = mediatorBid{
			SlotID: b.SlotID, Provider: b.Provider, PriceMicros: b.PriceMicros,
			Opaque: b.Opaque, AdM: b.AdMarkup, W: b.Width, H: b.Height,
			CRID: b.CRID, Seat: b.Seat,
		}
	}

	payload, err := json.Marshal(mediateRequest{Request: rtbReq, Bids: mbids})
	if err != nil {
		return auction.AuctionResponse{}, errors.Wrap(err, "marshaling mediation request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(payload))
	if err != nil {
		return auction.AuctionResponse{}, errors.Wrap(err, "building mediation request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return auction.AuctionResponse{}, errors.Wrap(err, "sending mediation request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return auction.AuctionResponse{}, errors.Errorf("mediator %s returned status %d", o.name, resp.StatusCode)
	}

	var out rtbResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return auction.AuctionResponse{}, errors.Wrap(err, "decoding mediation response")
	}
	var winners []auction.Bid
	for _, seat := range out.SeatBid {
		for _, b := range seat.Bid {
			winners = append(winners, auction.Bid{
				SlotID: b.ImpID, Provider: o.name, PriceMicros: int64(b.Price * 1_000_000),
				Opaque: b.Opaque, AdMarkup: b.AdM, Width: b.W, Height: b.H,
				Seat: seat.Seat, ADomain: b.ADomain, CRID: b.CRID, NURL: b.NURL, BURL: b.BURL,
			})
		}
	}
	return auction.AuctionResponse{Bids: winners}, nil
}
