package cart

import (
	"bytes"
	"encoding/json"
	"fmt"

	carterrors "github.com/abgdnv/kidscart/internal/errors"
)

// Encode serialises the cart as a JSON array. A nil cart is written as [].
func Encode(items []LineItem) ([]byte, error) {
	if items == nil {
		items = []LineItem{}
	}
	return json.Marshal(items)
}

// Decode reads a persisted cart. A JSON array is adopted as is, a single JSON object is
// wrapped into a one-element cart, and an empty blob or null yields an empty cart.
// Anything else fails with ErrCorruptPersistedState.
//
// Item keys are recomputed from product and variant, and entries sharing a key are merged
// by summing their committed quantities so the result is unique by key. A merged sum is capped
// at MaxQuantity.
func Decode(blob []byte) ([]LineItem, error) {
	blob = bytes.TrimSpace(blob)
	if len(blob) == 0 || bytes.Equal(blob, []byte("null")) {
		return []LineItem{}, nil
	}

	var items []LineItem
	switch blob[0] {
	case '[':
		if err := json.Unmarshal(blob, &items); err != nil {
			return nil, fmt.Errorf("%w: %w", carterrors.ErrCorruptPersistedState, err)
		}
	case '{':
		var item LineItem
		if err := json.Unmarshal(blob, &item); err != nil {
			return nil, fmt.Errorf("%w: %w", carterrors.ErrCorruptPersistedState, err)
		}
		items = []LineItem{item}
	default:
		return nil, fmt.Errorf("%w: unexpected %q", carterrors.ErrCorruptPersistedState, blob[0])
	}

	for _, item := range items {
		if item.ProductID == "" {
			return nil, fmt.Errorf("%w: line item without productId", carterrors.ErrCorruptPersistedState)
		}
		if item.Price < 0 || item.Price > MaxPrice {
			return nil, fmt.Errorf("%w: price %v of %s out of range", carterrors.ErrCorruptPersistedState, item.Price, item.Key())
		}
	}
	return normalize(items), nil
}

func normalize(items []LineItem) []LineItem {
	out := make([]LineItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		item.ItemKey = item.Key()
		if i, ok := index[item.ItemKey]; ok {
			if n, committed := item.Quantity.Int(); committed {
				sum, err := out[i].Quantity.Add(n)
				if err != nil {
					sum = Value(MaxQuantity)
				}
				out[i].Quantity = sum
			}
			continue
		}
		index[item.ItemKey] = len(out)
		out = append(out, item)
	}
	return out
}

// Clone returns a deep copy of items that never aliases the input.
func Clone(items []LineItem) []LineItem {
	out := make([]LineItem, len(items))
	copy(out, items)
	return out
}
