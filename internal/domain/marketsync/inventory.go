package marketsync

import (
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StockStatus classifies a snapshot's quantity
type StockStatus string

const (
	StockInStock    StockStatus = "in_stock"
	StockLow        StockStatus = "low_stock"
	StockOutOfStock StockStatus = "out_of_stock"
)

// String returns the string representation of StockStatus
func (s StockStatus) String() string {
	return string(s)
}

// StockThresholds configures low-stock classification
type StockThresholds struct {
	Default      int
	PerWarehouse map[string]int
}

// For returns the threshold for a warehouse
func (t StockThresholds) For(warehouse string) int {
	if v, ok := t.PerWarehouse[warehouse]; ok {
		return v
	}
	return t.Default
}

// ClassifyStock is a pure function of quantity and threshold
func ClassifyStock(quantity, threshold int) StockStatus {
	switch {
	case quantity <= 0:
		return StockOutOfStock
	case quantity <= threshold:
		return StockLow
	default:
		return StockInStock
	}
}

// InventorySnapshot is the derived stock projection for (ProductKey, Account, Warehouse)
type InventorySnapshot struct {
	ID             uuid.UUID
	ProductKey     string
	LocalProductID *uuid.UUID
	Account        AccountScope
	Warehouse      string
	Quantity       int
	PriceMin       decimal.Decimal
	PriceMax       decimal.Decimal
	Status         StockStatus
	SourceHash     string
	ReconciledAt   time.Time
}

// SnapshotKey identifies a snapshot within an account
type SnapshotKey struct {
	ProductKey string
	Warehouse  string
}

// Key returns the snapshot's identity within its account
func (s *InventorySnapshot) Key() SnapshotKey {
	return SnapshotKey{ProductKey: s.ProductKey, Warehouse: s.Warehouse}
}

// ProductKeyFor is the snapshot product key of a remote product: the canonical id
// when linked, otherwise the remote id
func ProductKeyFor(p *RemoteProduct) string {
	if p.LocalProductID != nil {
		return p.LocalProductID.String()
	}
	return "remote:" + p.RemoteID
}

// DeriveSnapshots groups products holding synced values into snapshots,
// sorted by key. A product whose latest update was rejected contributes its
// last synced stock and price. Identical input yields identical snapshots,
// including SourceHash.
func DeriveSnapshots(account AccountScope, products []*RemoteProduct, thresholds StockThresholds, now time.Time) []*InventorySnapshot {
	type group struct {
		snap    *InventorySnapshot
		sources []string
	}
	groups := make(map[SnapshotKey]*group)
	for _, p := range products {
		if !p.HasSyncedValues() {
			continue
		}
		key := SnapshotKey{ProductKey: ProductKeyFor(p), Warehouse: p.Warehouse}
		g, ok := groups[key]
		if !ok {
			g = &group{snap: &InventorySnapshot{
				ProductKey:     key.ProductKey,
				LocalProductID: p.LocalProductID,
				Account:        account,
				Warehouse:      key.Warehouse,
				PriceMin:       p.Price,
				PriceMax:       p.Price,
				ReconciledAt:   now,
			}}
			groups[key] = g
		}
		g.snap.Quantity += p.Stock
		if p.Price.LessThan(g.snap.PriceMin) {
			g.snap.PriceMin = p.Price
		}
		if p.Price.GreaterThan(g.snap.PriceMax) {
			g.snap.PriceMax = p.Price
		}
		g.sources = append(g.sources, p.RemoteID+"|"+strconv.Itoa(p.Stock)+"|"+p.Price.String())
	}

	out := make([]*InventorySnapshot, 0, len(groups))
	for _, g := range groups {
		sort.Strings(g.sources)
		g.snap.Status = ClassifyStock(g.snap.Quantity, thresholds.For(g.snap.Warehouse))
		g.snap.SourceHash = fingerprint(append(g.sources, string(g.snap.Status)))
		out = append(out, g.snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductKey != out[j].ProductKey {
			return out[i].ProductKey < out[j].ProductKey
		}
		return out[i].Warehouse < out[j].Warehouse
	})
	return out
}

// ReconcileResult is the outcome of one inventory reconcile pass
type ReconcileResult struct {
	ItemsSynced int `json:"items_synced"`
	// LowStockCount counts low_stock snapshots; out_of_stock ones are not included
	LowStockCount int `json:"low_stock_count"`
	// Written counts snapshot rows actually inserted, updated or removed
	Written int `json:"written"`
}

// CanonicalProduct is a row of the local catalog that remote products link to
type CanonicalProduct struct {
	ID   uuid.UUID
	Code string
	Name string
}
