// Package cart holds the per-session shopping cart value. Persistence is left to callers.
package cart

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

var ErrInvalidQuantity = errors.New("quantity must be positive")

// Line is one product in the cart. Name and Price are snapshots taken when the
// product was first added and are not refreshed from the catalog.
type Line struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

// Subtotal returns Price * Quantity
func (l Line) Subtotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart is not safe for concurrent use; it belongs to a single session.
type Cart struct {
	lines map[int64]Line
}

// New creates an empty cart
func New() *Cart {
	return &Cart{lines: make(map[int64]Line)}
}

// AddLine adds quantity of a product, merging with an existing line for the same product.
func (c *Cart) AddLine(productID int64, name string, price decimal.Decimal, quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if c.lines == nil {
		c.lines = make(map[int64]Line)
	}

	if line, ok := c.lines[productID]; ok {
		line.Quantity += quantity
		c.lines[productID] = line
		return nil
	}

	c.lines[productID] = Line{
		ProductID: productID,
		Name:      name,
		Price:     price,
		Quantity:  quantity,
	}
	return nil
}

// Lines returns a copy of the cart lines ordered by product ID
func (c *Cart) Lines() []Line {
	lines := make([]Line, 0, len(c.lines))
	for _, line := range c.lines {
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool {
		return lines[i].ProductID < lines[j].ProductID
	})
	return lines
}

// Quantity returns the quantity held for a product, zero when absent
func (c *Cart) Quantity(productID int64) int {
	return c.lines[productID].Quantity
}

func (c *Cart) Len() int {
	return len(c.lines)
}

func (c *Cart) IsEmpty() bool {
	return len(c.lines) == 0
}

// Clear removes every line
func (c *Cart) Clear() {
	c.lines = make(map[int64]Line)
}

// Total sums line subtotals at their snapshot prices
func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range c.lines {
		total = total.Add(line.Subtotal())
	}
	return total
}

// Clone returns an independent copy
func (c *Cart) Clone() *Cart {
	clone := New()
	for id, line := range c.lines {
		clone.lines[id] = line
	}
	return clone
}

// MarshalJSON encodes the cart as a list of lines
func (c *Cart) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Lines())
}

// UnmarshalJSON decodes a list of lines, dropping lines with a non-positive quantity
func (c *Cart) UnmarshalJSON(data []byte) error {
	var lines []Line
	if err := json.Unmarshal(data, &lines); err != nil {
		return err
	}

	c.lines = make(map[int64]Line, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		if existing, ok := c.lines[line.ProductID]; ok {
			existing.Quantity += line.Quantity
			c.lines[line.ProductID] = existing
			continue
		}
		c.lines[line.ProductID] = line
	}
	return nil
}
