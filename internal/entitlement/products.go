package entitlement

import "playsync/internal/types"

// ProductKind distinguishes auto-renewing subscriptions from one-time
// products, since the Play API verifies and acknowledges them on different
// endpoints.
type ProductKind string

const (
	ProductKindSubscription ProductKind = "subscription"
	ProductKindOneTime      ProductKind = "one_time"
)

// Product describes a sellable Play product known to this service.
type Product struct {
	ID   string
	Kind ProductKind
}

// ProductCatalog is the authoritative registry of billable product IDs.
// Verification attempts referencing a product outside the catalog are
// rejected before any remote call.
type ProductCatalog interface {
	// Lookup returns the product definition for an ID, or ok=false for
	// products this service does not sell.
	Lookup(productID string) (Product, bool)
}

// staticProductCatalog is a compile-time catalog backed by an in-memory map.
// It is the standard implementation for production use; the set of premium
// SKUs changes with app releases, not at runtime.
type staticProductCatalog struct {
	products map[string]Product
}

// productDefaults lists the premium SKUs the mobile app offers. One-time
// "lifetime" unlocks verify against the products endpoint; everything else is
// an auto-renewing subscription.
var productDefaults = map[string]Product{
	"premium_monthly":  {ID: "premium_monthly", Kind: ProductKindSubscription},
	"premium_yearly":   {ID: "premium_yearly", Kind: ProductKindSubscription},
	"premium_lifetime": {ID: "premium_lifetime", Kind: ProductKindOneTime},
}

// NewStaticProductCatalog returns the default compile-time catalog.
func NewStaticProductCatalog() ProductCatalog {
	return &staticProductCatalog{products: productDefaults}
}

// NewProductCatalog builds a catalog from an explicit product list, used by
// tests and by deployments that override the SKU set through configuration.
func NewProductCatalog(products []Product) ProductCatalog {
	m := make(map[string]Product, len(products))
	for _, p := range products {
		m[p.ID] = p
	}
	return &staticProductCatalog{products: m}
}

func (c *staticProductCatalog) Lookup(productID string) (Product, bool) {
	p, ok := c.products[productID]
	return p, ok
}

// ValidateProduct maps an unknown product ID onto the invalid-token failure
// class: from the platform's point of view a token for a product we do not
// sell can never verify.
func ValidateProduct(catalog ProductCatalog, productID string) (Product, error) {
	p, ok := catalog.Lookup(productID)
	if !ok {
		return Product{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidProduct,
			"unknown product id",
			nil,
			map[string]any{"product_id": productID},
		)
	}
	return p, nil
}
