package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"storefront/internal/models"
	"storefront/internal/store"

	"github.com/shopspring/decimal"
)

// memStore is an in-memory catalog whose transactions behave like Postgres at
// READ COMMITTED: plain reads see committed rows, TryReserve takes a row lock
// held until commit or rollback, and writes become visible only on commit.
type memStore struct {
	mu          sync.Mutex
	rows        map[int64]*sync.Mutex
	products    map[int64]*models.Product
	orders      map[int64]*models.Order
	items       []models.OrderItem
	nextOrderID int64
	nextItemID  int64

	// failItemFor makes CreateOrderItem fail for that product, with failItemErr
	// or errInjected
	failItemFor int64
	failItemErr error

	// beforeReserve runs at the start of every TryReserve, before the row lock
	beforeReserve func()
}

func newMemStore(products ...models.Product) *memStore {
	s := &memStore{
		rows:     make(map[int64]*sync.Mutex),
		products: make(map[int64]*models.Product),
		orders:   make(map[int64]*models.Order),
	}
	for i := range products {
		p := products[i]
		s.products[p.ID] = &p
		s.rows[p.ID] = &sync.Mutex{}
	}
	return s
}

func product(id int64, name string, price int64, stock int) models.Product {
	return models.Product{
		ID:        id,
		Name:      name,
		Price:     decimal.NewFromInt(price),
		Stock:     stock,
		CreatedAt: time.Now(),
	}
}

func (s *memStore) stock(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[id].Stock
}

func (s *memStore) setPrice(id int64, price int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[id].Price = decimal.NewFromInt(price)
}

func (s *memStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *memStore) itemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *memStore) RunInTransaction(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{s: s, reserved: make(map[int64]int), held: make(map[int64]bool)}
	defer tx.unlockRows()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *memStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *order
	return &copied, nil
}

func (s *memStore) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []models.OrderItem
	for _, item := range s.items {
		if item.OrderID == orderID {
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *memStore) GetProductByID(_ context.Context, id int64) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (s *memStore) ListInStockProducts(_ context.Context, limit, offset int) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []models.Product
	for id := int64(1); id <= int64(len(s.products))*2; id++ {
		if p, ok := s.products[id]; ok && p.Stock > 0 {
			all = append(all, *p)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *memStore) CountInStockProducts(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.products {
		if p.Stock > 0 {
			n++
		}
	}
	return n, nil
}

type memTx struct {
	s        *memStore
	reserved map[int64]int
	held     map[int64]bool
	locked   []int64
	orders   []models.Order
	items    []models.OrderItem
}

func (t *memTx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for id, qty := range t.reserved {
		t.s.products[id].Stock -= qty
	}
	for i := range t.orders {
		order := t.orders[i]
		t.s.orders[order.ID] = &order
	}
	t.s.items = append(t.s.items, t.items...)
}

func (t *memTx) unlockRows() {
	for i := len(t.locked) - 1; i >= 0; i-- {
		t.s.rows[t.locked[i]].Unlock()
	}
	t.locked = nil
}

func (t *memTx) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	p, ok := t.s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *p
	copied.Stock -= t.reserved[id]
	return &copied, nil
}

func (t *memTx) TryReserve(ctx context.Context, productID int64, quantity int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if t.s.beforeReserve != nil {
		t.s.beforeReserve()
	}

	row, ok := t.s.rows[productID]
	if !ok {
		return false, nil
	}
	if !t.held[productID] {
		row.Lock()
		t.held[productID] = true
		t.locked = append(t.locked, productID)
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.s.products[productID].Stock-t.reserved[productID] < quantity {
		return false, nil
	}
	t.reserved[productID] += quantity
	return true, nil
}

func (t *memTx) CreateOrder(ctx context.Context, order *models.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.s.mu.Lock()
	t.s.nextOrderID++
	order.ID = t.s.nextOrderID
	t.s.mu.Unlock()

	order.CreatedAt = time.Now()
	t.orders = append(t.orders, *order)
	return nil
}

var errInjected = errors.New("injected write failure")

func (t *memTx) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.s.failItemFor != 0 && item.ProductID == t.s.failItemFor {
		if t.s.failItemErr != nil {
			return t.s.failItemErr
		}
		return errInjected
	}

	t.s.mu.Lock()
	t.s.nextItemID++
	item.ID = t.s.nextItemID
	t.s.mu.Unlock()

	t.items = append(t.items, *item)
	return nil
}
