package domain

import (
	"sync"
	"testing"
)

func TestInventorySkew(t *testing.T) {
	cases := []struct {
		name string
		inv  Inventory
		want float64
	}{
		{"empty", Inventory{}, 0},
		{"balanced", Inventory{Yes: 10, No: 10}, 0},
		{"all yes", Inventory{Yes: 10}, 1},
		{"all no", Inventory{No: 10}, -1},
		{"tilted", Inventory{Yes: 15, No: 5}, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.inv.Skew(); got != tc.want {
				t.Errorf("Skew() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestInventoryBookCredit(t *testing.T) {
	b := NewInventoryBook()
	b.Credit("0xm", SideBuy, 10)
	b.Credit("0xm", SideSell, 4)

	inv := b.Get("0xm")
	if inv.Yes != 10 || inv.No != 4 {
		t.Errorf("inventory = %+v, want yes=10 no=4", inv)
	}
	if got := b.Get("0xother"); got.Gross() != 0 {
		t.Errorf("absent market inventory = %+v, want empty", got)
	}
}

func TestInventoryBookConcurrentAccess(t *testing.T) {
	b := NewInventoryBook()
	markets := []string{"0xa", "0xb", "0xc", "0xd"}

	var wg sync.WaitGroup
	for _, id := range markets {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.Credit(id, SideBuy, 1)
				_ = b.Get(id).Skew()
				_ = b.Snapshot()
			}
		}(id)
	}
	wg.Wait()

	for _, id := range markets {
		if got := b.Get(id).Yes; got != 200 {
			t.Errorf("market %s yes = %v, want 200", id, got)
		}
	}
}
