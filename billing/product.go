package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/coreshub/imaas-gateway/common/cache"
	"github.com/coreshub/imaas-gateway/common/config"
)

var productCache = cache.New("product", 10*time.Minute, 4)

const productCatalogKey = "catalog"

// GetProductCatalog returns the product catalog keyed by
// (model, token_type, unit), cached for 10 minutes. CUSTOM_PRODUCTS
// overrides the upstream catalog entirely.
func GetProductCatalog(ctx context.Context, upstream Upstream) (map[string]Product, error) {
	if cached, ok := productCache.Get(productCatalogKey); ok {
		return cached.(map[string]Product), nil
	}

	var products []Product
	if config.CustomProducts != "" {
		if err := json.Unmarshal([]byte(config.CustomProducts), &products); err != nil {
			return nil, errors.Wrap(err, "parse CUSTOM_PRODUCTS failed")
		}
	} else {
		var err error
		products, err = upstream.ListProducts(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "fetch product catalog failed")
		}
	}

	catalog := map[string]Product{}
	for _, p := range products {
		catalog[ProductKey(p.Model, p.TokenType, p.Unit)] = p
	}
	productCache.Set(productCatalogKey, catalog)
	return catalog, nil
}

// LookupProduct finds the product for (model, token_type, unit); the second
// return is false when no such product exists.
func LookupProduct(ctx context.Context, upstream Upstream, modelName, tokenType, unit string) (Product, bool, error) {
	catalog, err := GetProductCatalog(ctx, upstream)
	if err != nil {
		return Product{}, false, err
	}
	p, ok := catalog[ProductKey(modelName, tokenType, unit)]
	return p, ok, nil
}
