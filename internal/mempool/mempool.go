// Package mempool implements the per-pair dual priority structure that
// holds resting orders: a red-black tree of price levels per side,
// grounded on the teacher's orderbook.ShardedPriceTree (gods/v2
// redblacktree indexing), with each price level a FIFO queue grounded on
// the teacher's HashMapListPriceTree (container/list, O(1) best-price
// access and O(1) removal). The bucket-sharding layer of the teacher's
// sharded tree is dropped: expected resting-order counts per price are
// small enough that a plain red-black tree keyed directly by price is
// sufficient, and it removes a whole layer of bookkeeping the sharding
// existed only to amortize.
package mempool

import (
	"container/list"
	"sync"

	rbt "github.com/emirpasic/gods/v2/trees/redblacktree"

	"github.com/briansong/zkhex/internal/coreerrors"
	"github.com/briansong/zkhex/internal/domain"
)

func priceComparator(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

type priceLevel struct {
	price  int64
	orders *list.List // of *domain.Order, FIFO = arrival order
}

type pairBook struct {
	buy  *rbt.Tree[int64, *priceLevel] // top = Right() (max price)
	sell *rbt.Tree[int64, *priceLevel] // top = Left() (min price)
}

func newPairBook() *pairBook {
	return &pairBook{
		buy:  rbt.NewWith[int64, *priceLevel](priceComparator),
		sell: rbt.NewWith[int64, *priceLevel](priceComparator),
	}
}

func (b *pairBook) treeFor(side domain.Side) *rbt.Tree[int64, *priceLevel] {
	if side == domain.SideBuy {
		return b.buy
	}
	return b.sell
}

type idEntry struct {
	pairID string
	side   domain.Side
	price  int64
	elem   *list.Element
}

// Mempool is the live set of resting orders across every trading pair.
// A single RWMutex protects it: readers (TopBuy, TopSell, GetAll,
// GetByID, GetByUser) take a read lock, writers (Add, Remove, Update)
// take a write lock. Spec §5 calls for exactly this shape — a
// multi-reader/single-writer lock guarding the whole structure, not one
// lock per pair.
type Mempool struct {
	mu    sync.RWMutex
	books map[string]*pairBook
	index map[string]*idEntry
}

// New creates an empty Mempool.
func New() *Mempool {
	return &Mempool{
		books: make(map[string]*pairBook),
		index: make(map[string]*idEntry),
	}
}

func (m *Mempool) bookFor(pairID string) *pairBook {
	b, ok := m.books[pairID]
	if !ok {
		b = newPairBook()
		m.books[pairID] = b
	}
	return b
}

// Add inserts a new resting order. It rejects a non-positive amount and
// a duplicate order id.
func (m *Mempool) Add(order domain.Order) error {
	if order.Amount <= 0 {
		return coreerrors.Newf(coreerrors.CodeInvalidOrder, "order %s has non-positive amount %d", order.ID, order.Amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(order)
}

func (m *Mempool) addLocked(order domain.Order) error {
	if _, exists := m.index[order.ID]; exists {
		return coreerrors.Newf(coreerrors.CodeDuplicateOrder, "order %s already in mempool", order.ID)
	}

	book := m.bookFor(order.PairID)
	tree := book.treeFor(order.Side)

	level, found := tree.Get(order.Price)
	if !found {
		level = &priceLevel{price: order.Price, orders: list.New()}
		tree.Put(order.Price, level)
	}

	cp := order
	elem := level.orders.PushBack(&cp)

	m.index[order.ID] = &idEntry{
		pairID: order.PairID,
		side:   order.Side,
		price:  order.Price,
		elem:   elem,
	}
	return nil
}

// Remove deletes an order from the mempool, reporting whether it was
// present.
func (m *Mempool) Remove(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(orderID)
}

func (m *Mempool) removeLocked(orderID string) bool {
	entry, ok := m.index[orderID]
	if !ok {
		return false
	}

	book := m.books[entry.pairID]
	tree := book.treeFor(entry.side)
	level, found := tree.Get(entry.price)
	if found {
		level.orders.Remove(entry.elem)
		if level.orders.Len() == 0 {
			tree.Remove(entry.price)
		}
	}
	delete(m.index, orderID)
	return true
}

// Update refreshes a resting order's recorded state. Spec §4.1: priority
// is unaffected by fill, so when the order's price level hasn't changed
// (the partial-fill case) the existing list element is mutated in place,
// preserving its FIFO position. Only a genuine change of pair/side/price
// relocates the order, via remove-then-re-add, the same way a fresh Add
// would place it.
func (m *Mempool) Update(order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.index[order.ID]
	if !ok {
		return m.addLocked(order)
	}
	if entry.pairID == order.PairID && entry.side == order.Side && entry.price == order.Price {
		*entry.elem.Value.(*domain.Order) = order
		return nil
	}
	m.removeLocked(order.ID)
	return m.addLocked(order)
}

// TopBuy returns a copy of the highest-priced (then earliest) resting
// buy order for a pair.
func (m *Mempool) TopBuy(pairID string) (domain.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	book, ok := m.books[pairID]
	if !ok || book.buy.Empty() {
		return domain.Order{}, false
	}
	node := book.buy.Right()
	front := node.Value.orders.Front()
	if front == nil {
		return domain.Order{}, false
	}
	return *front.Value.(*domain.Order), true
}

// TopSell returns a copy of the lowest-priced (then earliest) resting
// sell order for a pair.
func (m *Mempool) TopSell(pairID string) (domain.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	book, ok := m.books[pairID]
	if !ok || book.sell.Empty() {
		return domain.Order{}, false
	}
	node := book.sell.Left()
	front := node.Value.orders.Front()
	if front == nil {
		return domain.Order{}, false
	}
	return *front.Value.(*domain.Order), true
}

// GetByID returns a copy of a resting order by id.
func (m *Mempool) GetByID(orderID string) (domain.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.index[orderID]
	if !ok {
		return domain.Order{}, false
	}
	book := m.books[entry.pairID]
	tree := book.treeFor(entry.side)
	level, found := tree.Get(entry.price)
	if !found {
		return domain.Order{}, false
	}
	for e := level.orders.Front(); e != nil; e = e.Next() {
		o := e.Value.(*domain.Order)
		if o.ID == orderID {
			return *o, true
		}
	}
	return domain.Order{}, false
}

// GetByUser returns copies of every resting order belonging to a user,
// across all pairs.
func (m *Mempool) GetByUser(userID string) []domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Order
	for _, book := range m.books {
		collectSide(book.buy, &out, func(o *domain.Order) bool { return o.UserID == userID })
		collectSide(book.sell, &out, func(o *domain.Order) bool { return o.UserID == userID })
	}
	return out
}

// GetAll returns copies of every resting order across all pairs, in no
// particular cross-pair order.
func (m *Mempool) GetAll() []domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Order
	for _, book := range m.books {
		collectSide(book.buy, &out, nil)
		collectSide(book.sell, &out, nil)
	}
	return out
}

func collectSide(tree *rbt.Tree[int64, *priceLevel], out *[]domain.Order, keep func(*domain.Order) bool) {
	for _, key := range tree.Keys() {
		level, found := tree.Get(key)
		if !found {
			continue
		}
		for e := level.orders.Front(); e != nil; e = e.Next() {
			o := e.Value.(*domain.Order)
			if keep == nil || keep(o) {
				*out = append(*out, *o)
			}
		}
	}
}

// Size returns the number of resting orders across all pairs.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.index)
}
