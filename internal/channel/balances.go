package channel

import (
	"time"

	"github.com/holiman/uint256"

	"github.com/ChikamsoChidebe/Photonx/internal/model"
	"github.com/ChikamsoChidebe/Photonx/internal/photonerr"
)

// priceScale is the fixed-point denominator for prices: a price of
// 2000·10^18 means 2000 quote units per base unit.
var priceScale = uint256.MustFromDecimal("1000000000000000000")

// applyFill validates a fill against its quote and transfers balances.
// Debits check for underflow explicitly; credits check for overflow. The
// conservation invariant is re-verified before the fill is accepted.
func (m *Machine) applyFill(next *model.Channel, v *model.Fill, now time.Time) error {
	if _, dup := next.Fills[v.FillID]; dup {
		return photonerr.New(photonerr.KindAlreadyFilled,
			"fill %s already applied", v.FillID).WithChannel(next.ID, v.Nonce)
	}
	if err := checkQuoteLive(next, v.QuoteID, v.Nonce); err != nil {
		return err
	}
	lq := next.Quotes[v.QuoteID]
	req, ok := next.Requests[lq.Quote.RequestNonce]
	if !ok {
		return photonerr.New(photonerr.KindQuoteNotFound,
			"quote %s has no originating request", v.QuoteID).WithChannel(next.ID, v.Nonce)
	}
	if lq.Quote.ExpiryTimestamp <= v.Timestamp || lq.Quote.ExpiryTimestamp <= uint64(now.UnixMilli()) {
		return photonerr.New(photonerr.KindQuoteExpired,
			"quote %s expired at %d", v.QuoteID, lq.Quote.ExpiryTimestamp).WithChannel(next.ID, v.Nonce)
	}
	if v.Price.Cmp(&lq.Quote.Price.Int) != 0 {
		return photonerr.New(photonerr.KindInvariantViolation,
			"fill price %s does not match quote price %s", v.Price, lq.Quote.Price).WithChannel(next.ID, v.Nonce)
	}
	if v.Quantity.IsZero() || v.Quantity.Cmp(&lq.Quote.Quantity.Int) > 0 {
		return photonerr.New(photonerr.KindRange,
			"fill quantity %s exceeds quoted %s", v.Quantity, lq.Quote.Quantity).WithChannel(next.ID, v.Nonce)
	}

	baseIdx := next.TokenIndex(req.BaseToken)
	quoteIdx := next.TokenIndex(req.QuoteToken)
	if baseIdx < 0 || quoteIdx < 0 {
		return photonerr.New(photonerr.KindInvariantViolation,
			"token pair not held by channel").WithChannel(next.ID, v.Nonce)
	}

	cost, err := quoteCost(&v.Quantity.Int, &v.Price.Int)
	if err != nil {
		return photonerr.Wrap(photonerr.KindInvariantViolation, err, "fill cost").WithChannel(next.ID, v.Nonce)
	}

	// Buy: trader pays cost in the quote token and receives quantity of
	// the base token; the LP sees the opposite transfer. Sell reverses it.
	var debits, credits [2]transfer
	switch req.Side {
	case model.SideBuy:
		debits = [2]transfer{
			{next.TraderBalances, quoteIdx, cost},
			{next.LPBalances, baseIdx, &v.Quantity.Int},
		}
		credits = [2]transfer{
			{next.TraderBalances, baseIdx, &v.Quantity.Int},
			{next.LPBalances, quoteIdx, cost},
		}
	case model.SideSell:
		debits = [2]transfer{
			{next.TraderBalances, baseIdx, &v.Quantity.Int},
			{next.LPBalances, quoteIdx, cost},
		}
		credits = [2]transfer{
			{next.TraderBalances, quoteIdx, cost},
			{next.LPBalances, baseIdx, &v.Quantity.Int},
		}
	default:
		return photonerr.New(photonerr.KindShape, "invalid side %q", req.Side).WithChannel(next.ID, v.Nonce)
	}

	for _, d := range debits {
		bal := &d.balances[d.idx].Int
		if _, underflow := bal.SubOverflow(bal, d.amount); underflow {
			return photonerr.New(photonerr.KindInsufficientBalance,
				"debit %s exceeds balance", d.amount).WithChannel(next.ID, v.Nonce)
		}
	}
	for _, c := range credits {
		bal := &c.balances[c.idx].Int
		if _, overflow := bal.AddOverflow(bal, c.amount); overflow {
			return photonerr.New(photonerr.KindInvariantViolation,
				"credit overflow").WithChannel(next.ID, v.Nonce)
		}
	}

	if err := checkConservation(next); err != nil {
		return err
	}

	lq.FilledBy = v.FillID
	next.Fills[v.FillID] = v.Nonce
	delete(next.Requests, lq.Quote.RequestNonce)
	return nil
}

type transfer struct {
	balances []*model.Amount
	idx      int
	amount   *uint256.Int
}

// quoteCost computes quantity·price/10^18 with an explicit overflow check
// on the multiplication.
func quoteCost(quantity, price *uint256.Int) (*uint256.Int, error) {
	var product uint256.Int
	if _, overflow := product.MulOverflow(quantity, price); overflow {
		return nil, photonerr.New(photonerr.KindInvariantViolation, "quantity*price overflows 256 bits")
	}
	var cost uint256.Int
	cost.Div(&product, priceScale)
	return &cost, nil
}

// checkConservation verifies that per-token balances still sum to the
// initial deposits.
func checkConservation(ch *model.Channel) error {
	for i := range ch.Tokens {
		var sum uint256.Int
		if _, overflow := sum.AddOverflow(&ch.TraderBalances[i].Int, &ch.LPBalances[i].Int); overflow {
			return photonerr.New(photonerr.KindInvariantViolation,
				"balance sum overflow for token %s", ch.Tokens[i].Hex()).WithChannel(ch.ID, ch.Nonce)
		}
		if sum.Cmp(&ch.InitialDeposits[i].Int) != 0 {
			return photonerr.New(photonerr.KindInvariantViolation,
				"conservation broken for token %s: %s != %s",
				ch.Tokens[i].Hex(), sum.Dec(), ch.InitialDeposits[i].Dec()).WithChannel(ch.ID, ch.Nonce)
		}
	}
	return nil
}
