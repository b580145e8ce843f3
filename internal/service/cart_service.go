package service

import (
	"context"
	"errors"

	"shop-service/internal/apperr"
	"shop-service/internal/models"
	"shop-service/internal/pricing"
	"shop-service/internal/store"
	"shop-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CartService keeps one cart per user and reserves stock as items go in
type CartService struct {
	base
}

// NewCartService creates a new cart service
func NewCartService(st store.Store, settings Settings, opts ...Option) *CartService {
	return &CartService{base: newBase(st, settings, opts)}
}

// AddItem reserves quantity units of a product and adds them to the cart,
// merging with an existing line for the same product.
func (s *CartService) AddItem(ctx context.Context, p models.Principal, productID int64, quantity int) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.AddItem")
	defer span.End()

	fields := []zap.Field{zap.Int64("user_id", p.ID), zap.Int64("product_id", productID), zap.Int("quantity", quantity)}

	if err := requirePrincipal(p); err != nil {
		return nil, s.fail(span, "cart.add_item", err, fields...)
	}
	if productID <= 0 {
		return nil, s.fail(span, "cart.add_item",
			apperr.InvalidInput("product", productID, "product id must be positive"), fields...)
	}
	if quantity <= 0 {
		return nil, s.fail(span, "cart.add_item",
			apperr.InvalidInput("cart item", productID, "quantity must be positive, got %d", quantity), fields...)
	}

	var cart *models.Cart
	err := s.store.InTx(ctx, func(q store.Queries) error {
		c, err := q.EnsureCart(ctx, p.ID)
		if err != nil {
			return err
		}
		product, err := q.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		if err := q.ReserveStock(ctx, productID, quantity); err != nil {
			return err
		}

		item, err := q.GetCartItem(ctx, c.ID, productID)
		switch {
		case err == nil:
			newQty := item.Quantity + quantity
			if err := q.UpdateCartItem(ctx, item.ID, newQty, pricing.LineTotal(product.SpecialPrice, newQty)); err != nil {
				return err
			}
		case errors.Is(err, apperr.ErrNotFound):
			if err := q.InsertCartItem(ctx, &models.CartItem{
				CartID:    c.ID,
				ProductID: productID,
				Quantity:  quantity,
				Subtotal:  pricing.LineTotal(product.SpecialPrice, quantity),
			}); err != nil {
				return err
			}
		default:
			return err
		}

		cart, err = recomputeCart(ctx, q, c)
		return err
	})
	if err != nil {
		s.countMutation("add_item", err)
		return nil, s.fail(span, "cart.add_item", err, fields...)
	}

	s.countMutation("add_item", nil)
	s.logger.Info("Item added to cart", fields...)
	return cart, nil
}

// UpdateItemQuantity sets the quantity of an existing line. An increase
// reserves the difference; a decrease releases it only when configured to.
func (s *CartService) UpdateItemQuantity(ctx context.Context, p models.Principal, productID int64, newQuantity int) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.UpdateItemQuantity")
	defer span.End()

	fields := []zap.Field{zap.Int64("user_id", p.ID), zap.Int64("product_id", productID), zap.Int("quantity", newQuantity)}

	if err := requirePrincipal(p); err != nil {
		return nil, s.fail(span, "cart.update_item", err, fields...)
	}
	if newQuantity <= 0 {
		return nil, s.fail(span, "cart.update_item",
			apperr.InvalidInput("cart item", productID, "quantity must be positive, got %d", newQuantity), fields...)
	}

	var cart *models.Cart
	err := s.store.InTx(ctx, func(q store.Queries) error {
		c, err := q.EnsureCart(ctx, p.ID)
		if err != nil {
			return err
		}
		item, err := q.GetCartItem(ctx, c.ID, productID)
		if err != nil {
			return err
		}
		product, err := q.GetProduct(ctx, productID)
		if err != nil {
			return err
		}

		switch delta := newQuantity - item.Quantity; {
		case delta > 0:
			if err := q.ReserveStock(ctx, productID, delta); err != nil {
				return err
			}
		case delta < 0 && s.settings.ReleaseStockOnCartChange:
			if err := q.RestoreStock(ctx, productID, -delta); err != nil {
				return err
			}
			util.StockReleasedUnitsTotal.Add(float64(-delta))
		}

		if err := q.UpdateCartItem(ctx, item.ID, newQuantity, pricing.LineTotal(product.SpecialPrice, newQuantity)); err != nil {
			return err
		}
		cart, err = recomputeCart(ctx, q, c)
		return err
	})
	if err != nil {
		s.countMutation("update_item", err)
		return nil, s.fail(span, "cart.update_item", err, fields...)
	}

	s.countMutation("update_item", nil)
	return cart, nil
}

// RemoveItem drops a product line from the cart
func (s *CartService) RemoveItem(ctx context.Context, p models.Principal, productID int64) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.RemoveItem")
	defer span.End()

	fields := []zap.Field{zap.Int64("user_id", p.ID), zap.Int64("product_id", productID)}

	if err := requirePrincipal(p); err != nil {
		return nil, s.fail(span, "cart.remove_item", err, fields...)
	}

	var cart *models.Cart
	err := s.store.InTx(ctx, func(q store.Queries) error {
		c, err := q.EnsureCart(ctx, p.ID)
		if err != nil {
			return err
		}
		item, err := q.GetCartItem(ctx, c.ID, productID)
		if err != nil {
			return err
		}
		if err := q.DeleteCartItem(ctx, item.ID); err != nil {
			return err
		}
		if s.settings.ReleaseStockOnCartChange {
			if err := q.RestoreStock(ctx, productID, item.Quantity); err != nil {
				return err
			}
			util.StockReleasedUnitsTotal.Add(float64(item.Quantity))
		}
		cart, err = recomputeCart(ctx, q, c)
		return err
	})
	if err != nil {
		s.countMutation("remove_item", err)
		return nil, s.fail(span, "cart.remove_item", err, fields...)
	}

	s.countMutation("remove_item", nil)
	return cart, nil
}

// GetCart returns the user's cart with live product data, creating it on first use
func (s *CartService) GetCart(ctx context.Context, p models.Principal) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.GetCart")
	defer span.End()

	if err := requirePrincipal(p); err != nil {
		return nil, s.fail(span, "cart.get", err)
	}

	var cart *models.Cart
	err := s.store.InTx(ctx, func(q store.Queries) error {
		c, err := q.EnsureCart(ctx, p.ID)
		if err != nil {
			return err
		}
		items, err := loadCartItems(ctx, q, c.ID)
		if err != nil {
			return err
		}
		c.Items = items
		cart = c
		return nil
	})
	if err != nil {
		return nil, s.fail(span, "cart.get", err, zap.Int64("user_id", p.ID))
	}
	return cart, nil
}

// ClearCart empties the cart and zeroes its total
func (s *CartService) ClearCart(ctx context.Context, p models.Principal) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartService.ClearCart")
	defer span.End()

	if err := requirePrincipal(p); err != nil {
		return nil, s.fail(span, "cart.clear", err)
	}

	var cart *models.Cart
	err := s.store.InTx(ctx, func(q store.Queries) error {
		c, err := q.EnsureCart(ctx, p.ID)
		if err != nil {
			return err
		}
		if s.settings.ReleaseStockOnCartChange {
			items, err := q.ListCartItems(ctx, c.ID)
			if err != nil {
				return err
			}
			for _, it := range items {
				if err := q.RestoreStock(ctx, it.ProductID, it.Quantity); err != nil {
					return err
				}
				util.StockReleasedUnitsTotal.Add(float64(it.Quantity))
			}
		}
		if err := q.DeleteCartItems(ctx, c.ID); err != nil {
			return err
		}
		cart, err = recomputeCart(ctx, q, c)
		return err
	})
	if err != nil {
		s.countMutation("clear", err)
		return nil, s.fail(span, "cart.clear", err, zap.Int64("user_id", p.ID))
	}

	s.countMutation("clear", nil)
	return cart, nil
}

func (s *CartService) countMutation(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	if errors.Is(err, apperr.ErrInsufficientStock) {
		util.StockReservationsFailed.WithLabelValues("insufficient_stock").Inc()
	}
	util.CartMutationsTotal.WithLabelValues(op, outcome).Inc()
}

// recomputeCart sets the cart total to the sum of its line subtotals and
// returns the refreshed view.
func recomputeCart(ctx context.Context, q store.Queries, c *models.Cart) (*models.Cart, error) {
	items, err := loadCartItems(ctx, q, c.ID)
	if err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal)
	}
	if err := q.UpdateCartTotal(ctx, c.ID, total); err != nil {
		return nil, err
	}
	out := *c
	out.TotalPrice = total
	out.Items = items
	return &out, nil
}

func loadCartItems(ctx context.Context, q store.Queries, cartID int64) ([]models.CartItem, error) {
	items, err := q.ListCartItems(ctx, cartID)
	if err != nil {
		return nil, err
	}
	for i := range items {
		product, err := q.GetProduct(ctx, items[i].ProductID)
		if err != nil {
			return nil, err
		}
		items[i].Product = product
	}
	if items == nil {
		items = []models.CartItem{}
	}
	return items, nil
}
