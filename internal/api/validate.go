package api

import (
	"github.com/shopspring/decimal"

	"pollrelief/internal/model"
)

// parseOrder checks order parameters and converts the wire cost string into
// an exact decimal. Money never touches a float.
func parseOrder(req orderRequest) (model.OrderIn, model.ValidationErrors) {
	verrs := model.ValidationErrors{}
	if req.Quantity < 1 {
		verrs["quantity"] = "must be at least 1"
	}
	cost := decimal.Zero
	if req.Cost != "" {
		parsed, err := decimal.NewFromString(req.Cost)
		if err != nil {
			verrs["cost"] = "must be a decimal amount"
		} else if parsed.IsNegative() {
			verrs["cost"] = "must not be negative"
		} else {
			cost = parsed
		}
	}
	if len(verrs) > 0 {
		return model.OrderIn{}, verrs
	}
	return model.OrderIn{
		Quantity:   req.Quantity,
		Cost:       cost,
		OrderType:  req.OrderType,
		Restaurant: req.Restaurant,
		User:       req.User,
	}, nil
}
