package venue_test

import (
	"context"
	"testing"

	"polymaker/internal/domain"
	"polymaker/internal/infra"
	"polymaker/internal/venue"
)

func TestSandbox_DeterministicAcrossRuns(t *testing.T) {
	a := venue.NewSandbox(42, infra.NewTestLogger())
	b := venue.NewSandbox(42, infra.NewTestLogger())

	ma, _ := a.GetMarkets(context.Background())
	mb, _ := b.GetMarkets(context.Background())
	if len(ma) == 0 || len(ma) != len(mb) {
		t.Fatalf("market lists differ: %d vs %d", len(ma), len(mb))
	}

	tok := ma[0].YesToken()
	ba, err := a.GetOrderBook(context.Background(), tok)
	if err != nil {
		t.Fatalf("orderbook: %v", err)
	}
	bb, _ := b.GetOrderBook(context.Background(), tok)
	if ba.Midpoint != bb.Midpoint || ba.SpreadBps != bb.SpreadBps {
		t.Errorf("same seed produced different books: %v vs %v", ba.Midpoint, bb.Midpoint)
	}
}

func TestSandbox_BooksAreWellFormed(t *testing.T) {
	s := venue.NewSandbox(7, infra.NewTestLogger())
	markets, _ := s.GetMarkets(context.Background())

	for _, m := range markets {
		if m.YesToken() == "" || m.NoToken() == "" {
			t.Fatalf("market %s missing outcome tokens", m.ConditionID)
		}
		book, err := s.GetOrderBook(context.Background(), m.YesToken())
		if err != nil {
			t.Fatalf("orderbook %s: %v", m.ConditionID, err)
		}
		bid, ask := book.BestBid(), book.BestAsk()
		if bid <= 0 || ask >= 1 || bid >= ask {
			t.Errorf("book %s not well formed: bid=%v ask=%v", m.ConditionID, bid, ask)
		}
		if book.Midpoint <= 0 || book.Midpoint >= 1 {
			t.Errorf("mid %v outside (0,1)", book.Midpoint)
		}
	}
}

func TestSandbox_UnknownTokenRejected(t *testing.T) {
	s := venue.NewSandbox(7, infra.NewTestLogger())
	_, err := s.GetOrderBook(context.Background(), "no-such-token")
	if err == nil {
		t.Fatal("unknown token should error")
	}
	if domain.IsRetriable(err) {
		t.Error("unknown token is a rejection, not a retriable failure")
	}
}

func TestSandbox_OrderRoundTrip(t *testing.T) {
	s := venue.NewSandbox(7, infra.NewTestLogger())

	res, err := s.SubmitOrder(context.Background(), domain.Order{TokenID: "tok-0001-yes"}, 100)
	if err != nil || !res.Success || res.OrderID == "" {
		t.Fatalf("submit: res=%+v err=%v", res, err)
	}

	ok, err := s.CancelOrder(context.Background(), res.OrderID)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	// Second cancel finds nothing.
	if ok, _ := s.CancelOrder(context.Background(), res.OrderID); ok {
		t.Error("double cancel should report not found")
	}
}
