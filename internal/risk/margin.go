package risk

import (
	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
)

// MarginRequest asks whether qty at price fits the account's free margin.
type MarginRequest struct {
	Quantity          float64
	Price             float64
	Leverage          int
	Available         float64 // free balance reported by the exchange
	Reserved          float64 // margin held by pending orders not yet reflected in Available
	MaxShrinkFraction float64 // largest share of Quantity that may be cut to fit
	Filters           domain.SymbolFilters
}

// MarginDecision is the accepted quantity.
type MarginDecision struct {
	Quantity       float64
	RequiredMargin float64
	Shrunk         bool
}

// RequiredMargin is the initial margin for qty at price.
func RequiredMargin(qty, price float64, leverage int) float64 {
	if leverage <= 0 {
		return qty * price
	}
	return qty * price / float64(leverage)
}

// CheckMargin accepts the request as is when it fits, otherwise shrinks the
// quantity to what fits. It never grows the quantity.
func CheckMargin(req MarginRequest) (MarginDecision, error) {
	if req.Quantity <= 0 || req.Price <= 0 || req.Leverage <= 0 {
		return MarginDecision{}, ports.Reject(ports.ReasonInvalidInput, "quantity, price and leverage must be positive")
	}
	required := RequiredMargin(req.Quantity, req.Price, req.Leverage)
	free := req.Available - req.Reserved
	if required <= free {
		return MarginDecision{Quantity: req.Quantity, RequiredMargin: required}, nil
	}
	if free <= 0 {
		return MarginDecision{}, ports.Reject(ports.ReasonInsufficientMargin,
			"required %.4f, available %.4f, reserved %.4f", required, req.Available, req.Reserved)
	}

	fit := RoundDownToStep(free*float64(req.Leverage)/req.Price, req.Filters.StepSize)
	if fit > req.Quantity {
		fit = req.Quantity
	}
	if err := CheckQuantity(fit, req.Filters); err != nil {
		return MarginDecision{}, ports.Reject(ports.ReasonInsufficientMargin,
			"required %.4f exceeds free %.4f and shrunk quantity %.8f is unusable", required, free, fit)
	}
	if shrink := 1 - fit/req.Quantity; shrink > req.MaxShrinkFraction {
		return MarginDecision{}, ports.Reject(ports.ReasonInsufficientMargin,
			"fitting free margin %.4f needs a %.1f%% cut, limit %.1f%%", free, shrink*100, req.MaxShrinkFraction*100)
	}
	return MarginDecision{
		Quantity:       fit,
		RequiredMargin: RequiredMargin(fit, req.Price, req.Leverage),
		Shrunk:         true,
	}, nil
}
