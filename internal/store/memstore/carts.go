package memstore

import (
	"context"

	"shop-service/internal/apperr"
	"shop-service/internal/models"

	"github.com/shopspring/decimal"
)

func (v *view) EnsureCart(ctx context.Context, userID int64) (*models.Cart, error) {
	var out models.Cart
	err := v.do(ctx, func(d *dataset) error {
		for _, c := range d.carts {
			if c.UserID == userID {
				out = c
				return nil
			}
		}
		now := v.s.now()
		out = models.Cart{ID: d.nextID(), UserID: userID, TotalPrice: decimal.Zero, CreatedAt: now, UpdatedAt: now}
		d.carts[out.ID] = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (v *view) GetCartItem(ctx context.Context, cartID, productID int64) (*models.CartItem, error) {
	var out models.CartItem
	err := v.do(ctx, func(d *dataset) error {
		for _, it := range d.cartItems {
			if it.CartID == cartID && it.ProductID == productID {
				out = it
				return nil
			}
		}
		return apperr.NotFound("cart item", productID)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (v *view) ListCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error) {
	var out []models.CartItem
	err := v.do(ctx, func(d *dataset) error {
		out = sortedValues(d.cartItems,
			func(it models.CartItem) bool { return it.CartID == cartID },
			func(a, b models.CartItem) bool { return a.ID < b.ID })
		return nil
	})
	return out, err
}

func (v *view) InsertCartItem(ctx context.Context, item *models.CartItem) error {
	return v.do(ctx, func(d *dataset) error {
		if _, ok := d.carts[item.CartID]; !ok {
			return apperr.NotFound("cart", item.CartID)
		}
		for _, it := range d.cartItems {
			if it.CartID == item.CartID && it.ProductID == item.ProductID {
				return apperr.Conflict("cart item", item.ProductID, "product %d is already in cart %d", item.ProductID, item.CartID)
			}
		}
		now := v.s.now()
		item.ID = d.nextID()
		item.CreatedAt, item.UpdatedAt = now, now
		stored := *item
		stored.Product = nil
		d.cartItems[item.ID] = stored
		return nil
	})
}

func (v *view) UpdateCartItem(ctx context.Context, itemID int64, quantity int, subtotal decimal.Decimal) error {
	return v.do(ctx, func(d *dataset) error {
		it, ok := d.cartItems[itemID]
		if !ok {
			return apperr.NotFound("cart item", itemID)
		}
		it.Quantity = quantity
		it.Subtotal = subtotal
		it.UpdatedAt = v.s.now()
		d.cartItems[itemID] = it
		return nil
	})
}

func (v *view) DeleteCartItem(ctx context.Context, itemID int64) error {
	return v.do(ctx, func(d *dataset) error {
		if _, ok := d.cartItems[itemID]; !ok {
			return apperr.NotFound("cart item", itemID)
		}
		delete(d.cartItems, itemID)
		return nil
	})
}

func (v *view) DeleteCartItems(ctx context.Context, cartID int64) error {
	return v.do(ctx, func(d *dataset) error {
		for id, it := range d.cartItems {
			if it.CartID == cartID {
				delete(d.cartItems, id)
			}
		}
		return nil
	})
}

func (v *view) UpdateCartTotal(ctx context.Context, cartID int64, total decimal.Decimal) error {
	return v.do(ctx, func(d *dataset) error {
		c, ok := d.carts[cartID]
		if !ok {
			return apperr.NotFound("cart", cartID)
		}
		c.TotalPrice = total
		c.UpdatedAt = v.s.now()
		d.carts[cartID] = c
		return nil
	})
}
