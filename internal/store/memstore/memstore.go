// Package memstore is an in-process store.Store used for local runs and tests.
// Transactions take the store lock, work on a copy of the data and swap it in
// on success, so a failed transaction leaves nothing behind.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/models"
	"shop-service/internal/pricing"
	"shop-service/internal/store"

	"github.com/shopspring/decimal"
)

type dataset struct {
	seq        int64
	users      map[int64]models.User
	addresses  map[int64]models.Address
	products   map[int64]models.Product
	carts      map[int64]models.Cart
	cartItems  map[int64]models.CartItem
	orders     map[int64]models.Order
	orderItems map[int64]models.OrderItem
	payments   map[int64]models.Payment
}

func newDataset() *dataset {
	return &dataset{
		users:      map[int64]models.User{},
		addresses:  map[int64]models.Address{},
		products:   map[int64]models.Product{},
		carts:      map[int64]models.Cart{},
		cartItems:  map[int64]models.CartItem{},
		orders:     map[int64]models.Order{},
		orderItems: map[int64]models.OrderItem{},
		payments:   map[int64]models.Payment{},
	}
}

func cloneMap[V any](m map[int64]V) map[int64]V {
	out := make(map[int64]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (d *dataset) clone() *dataset {
	return &dataset{
		seq:        d.seq,
		users:      cloneMap(d.users),
		addresses:  cloneMap(d.addresses),
		products:   cloneMap(d.products),
		carts:      cloneMap(d.carts),
		cartItems:  cloneMap(d.cartItems),
		orders:     cloneMap(d.orders),
		orderItems: cloneMap(d.orderItems),
		payments:   cloneMap(d.payments),
	}
}

func (d *dataset) nextID() int64 {
	d.seq++
	return d.seq
}

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	view
	mu   sync.Mutex
	data *dataset
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	s := &Store{data: newDataset(), now: func() time.Time { return time.Now().UTC() }}
	s.view = view{s: s}
	return s
}

func (s *Store) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(&view{s: s, tx: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

// PutUser stores u, assigning an id when it has none.
func (s *Store) PutUser(u models.User) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		u.ID = s.data.nextID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	s.data.users[u.ID] = u
	return u
}

// PutAddress stores a, assigning an id when it has none.
func (s *Store) PutAddress(a models.Address) models.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.data.nextID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	s.data.addresses[a.ID] = a
	return a
}

// PutProduct stores p, assigning an id when it has none.
func (s *Store) PutProduct(p models.Product) models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.data.nextID()
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.SpecialPrice = decimal.Zero
	s.data.products[p.ID] = p
	return withSpecialPrice(p)
}

// view implements store.Queries over either the live data (locking per call)
// or a transaction's working copy (already locked by InTx).
type view struct {
	s  *Store
	tx *dataset
}

func (v *view) do(ctx context.Context, fn func(d *dataset) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v.tx != nil {
		return fn(v.tx)
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	return fn(v.s.data)
}

func withSpecialPrice(p models.Product) models.Product {
	p.SpecialPrice = pricing.SpecialPrice(p.Price, p.Discount)
	return p
}

func (v *view) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var out models.Product
	err := v.do(ctx, func(d *dataset) error {
		p, ok := d.products[id]
		if !ok {
			return apperr.NotFound("product", id)
		}
		out = withSpecialPrice(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (v *view) ReserveStock(ctx context.Context, productID int64, quantity int) error {
	return v.do(ctx, func(d *dataset) error {
		p, ok := d.products[productID]
		if !ok {
			return apperr.NotFound("product", productID)
		}
		if p.Quantity < quantity {
			return apperr.InsufficientStock(productID, p.Quantity, quantity)
		}
		p.Quantity -= quantity
		p.UpdatedAt = v.s.now()
		d.products[productID] = p
		return nil
	})
}

func (v *view) RestoreStock(ctx context.Context, productID int64, quantity int) error {
	return v.do(ctx, func(d *dataset) error {
		p, ok := d.products[productID]
		if !ok {
			return apperr.NotFound("product", productID)
		}
		p.Quantity += quantity
		p.UpdatedAt = v.s.now()
		d.products[productID] = p
		return nil
	})
}

func (v *view) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var out models.User
	err := v.do(ctx, func(d *dataset) error {
		u, ok := d.users[id]
		if !ok {
			return apperr.NotFound("user", id)
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (v *view) GetAddress(ctx context.Context, id int64) (*models.Address, error) {
	var out models.Address
	err := v.do(ctx, func(d *dataset) error {
		a, ok := d.addresses[id]
		if !ok {
			return apperr.NotFound("address", id)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func sortedValues[V any](m map[int64]V, keep func(V) bool, less func(a, b V) bool) []V {
	out := []V{}
	for _, v := range m {
		if keep(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
