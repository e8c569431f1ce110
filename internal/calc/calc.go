// Package calc implements the pipeline's pure pricing math: slippage-aware
// executable prices, nominal/real/net spread decomposition, and USD depth
// within a slippage envelope. All functions are side-effect free and operate
// on arbitrary-precision decimals.
package calc

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/crossarb/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// sideSign returns +1 for asks (buying walks the price up) and -1 for bids
// (selling walks it down), so slippage is positive on both sides.
func sideSign(side domain.Side) decimal.Decimal {
	if side == domain.SideBid {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// ExecutablePrice walks one side of the book filling targetUSD and returns
// the volume-weighted fill price. When the visible book cannot absorb the
// notional the partial fill is returned with UnfilledUSD > 0 and
// InsufficientDepth set; callers decide whether that kills the candidate.
func ExecutablePrice(book domain.OrderBook, side domain.Side, targetUSD decimal.Decimal) (domain.ExecResult, error) {
	levels := book.Levels(side)
	if len(levels) == 0 {
		return domain.ExecResult{}, fmt.Errorf("book %s/%s: %s side empty", book.VenueID, book.Symbol, side)
	}
	if !targetUSD.IsPositive() {
		return domain.ExecResult{}, fmt.Errorf("target notional must be positive, got %s", targetUSD)
	}

	best := levels[0].Price
	totalBase := decimal.Zero
	totalUSD := decimal.Zero
	consumed := 0

	for _, lvl := range levels {
		remaining := targetUSD.Sub(totalUSD)
		if !remaining.IsPositive() {
			break
		}
		levelUSD := lvl.USD()
		consumed++
		if levelUSD.GreaterThanOrEqual(remaining) {
			baseTaken := remaining.Div(lvl.Price)
			totalBase = totalBase.Add(baseTaken)
			totalUSD = totalUSD.Add(remaining)
			break
		}
		totalBase = totalBase.Add(lvl.Size)
		totalUSD = totalUSD.Add(levelUSD)
	}

	if totalBase.IsZero() {
		return domain.ExecResult{}, fmt.Errorf("book %s/%s: no fillable volume on %s side", book.VenueID, book.Symbol, side)
	}

	execPrice := totalUSD.Div(totalBase)
	slippage := execPrice.Div(best).Sub(decimal.NewFromInt(1)).Mul(sideSign(side)).Mul(hundred)
	unfilled := targetUSD.Sub(totalUSD)
	if unfilled.IsNegative() {
		unfilled = decimal.Zero
	}

	return domain.ExecResult{
		Side:              side,
		ExecutablePrice:   execPrice,
		SlippagePct:       slippage,
		FilledUSD:         totalUSD,
		UnfilledUSD:       unfilled,
		LevelsConsumed:    consumed,
		InsufficientDepth: unfilled.IsPositive(),
	}, nil
}

// DepthWithinSlippage sums the USD volume available before the price moves
// more than maxSlippagePct away from the best level.
func DepthWithinSlippage(book domain.OrderBook, side domain.Side, maxSlippagePct decimal.Decimal) domain.DepthResult {
	levels := book.Levels(side)
	result := domain.DepthResult{
		Side:             side,
		TotalBase:        decimal.Zero,
		TotalUSD:         decimal.Zero,
		WeightedAvgPrice: decimal.Zero,
		SlippagePctAtEnd: decimal.Zero,
	}
	if len(levels) == 0 {
		return result
	}

	best := levels[0].Price
	bound := best.Mul(decimal.NewFromInt(1).Add(maxSlippagePct.Div(hundred).Mul(sideSign(side))))

	for _, lvl := range levels {
		if side == domain.SideBid && lvl.Price.LessThan(bound) {
			break
		}
		if side == domain.SideAsk && lvl.Price.GreaterThan(bound) {
			break
		}
		result.TotalBase = result.TotalBase.Add(lvl.Size)
		result.TotalUSD = result.TotalUSD.Add(lvl.USD())
		result.LevelsConsumed++
		result.SlippagePctAtEnd = lvl.Price.Div(best).Sub(decimal.NewFromInt(1)).Mul(sideSign(side)).Mul(hundred)
	}
	if result.TotalBase.IsPositive() {
		result.WeightedAvgPrice = result.TotalUSD.Div(result.TotalBase)
	}
	return result
}

// SpreadResult bundles the spread decomposition with the executions it was
// derived from.
type SpreadResult struct {
	Breakdown domain.SpreadBreakdown
	Prices    domain.PairPrices
	BuyExec   domain.ExecResult
	SellExec  domain.ExecResult
}

// Spread computes the full decomposition for buying targetUSD on buyBook's
// ask side and selling on sellBook's bid side:
//
//	nominal_pct       = (sell_best - buy_best) / buy_best * 100
//	real_pct          = (sell_exec - buy_exec) / buy_exec * 100
//	slippage_loss_pct = nominal_pct - real_pct
//	net_pct           = real_pct - (buy_fee + sell_fee)
func Spread(buyBook, sellBook domain.OrderBook, buyFeePct, sellFeePct, targetUSD decimal.Decimal) (SpreadResult, error) {
	buyBest, ok := buyBook.BestAsk()
	if !ok {
		return SpreadResult{}, fmt.Errorf("buy book %s/%s has no asks", buyBook.VenueID, buyBook.Symbol)
	}
	sellBest, ok := sellBook.BestBid()
	if !ok {
		return SpreadResult{}, fmt.Errorf("sell book %s/%s has no bids", sellBook.VenueID, sellBook.Symbol)
	}
	if !buyBest.Price.IsPositive() {
		return SpreadResult{}, fmt.Errorf("buy book %s/%s best ask not positive", buyBook.VenueID, buyBook.Symbol)
	}

	buyExec, err := ExecutablePrice(buyBook, domain.SideAsk, targetUSD)
	if err != nil {
		return SpreadResult{}, fmt.Errorf("buy leg: %w", err)
	}
	sellExec, err := ExecutablePrice(sellBook, domain.SideBid, targetUSD)
	if err != nil {
		return SpreadResult{}, fmt.Errorf("sell leg: %w", err)
	}

	nominal := sellBest.Price.Sub(buyBest.Price).Div(buyBest.Price).Mul(hundred)
	real := sellExec.ExecutablePrice.Sub(buyExec.ExecutablePrice).Div(buyExec.ExecutablePrice).Mul(hundred)
	fees := buyFeePct.Add(sellFeePct)

	return SpreadResult{
		Breakdown: domain.SpreadBreakdown{
			NominalPct:      nominal,
			RealPct:         real,
			SlippageLossPct: nominal.Sub(real),
			FeesPct:         fees,
			NetPct:          real.Sub(fees),
		},
		Prices: domain.PairPrices{
			BuyBest:  buyBest.Price,
			BuyExec:  buyExec.ExecutablePrice,
			SellBest: sellBest.Price,
			SellExec: sellExec.ExecutablePrice,
		},
		BuyExec:  buyExec,
		SellExec: sellExec,
	}, nil
}

// Emittable applies the spread thresholds: net above the floor, real under
// the sanity ceiling that filters obviously bogus prices.
func Emittable(b domain.SpreadBreakdown, minSpreadPct, maxSpreadPct decimal.Decimal) bool {
	return b.NetPct.GreaterThanOrEqual(minSpreadPct) && b.RealPct.LessThanOrEqual(maxSpreadPct)
}

// NominalSpreadPct is the quote-level spread between two venues' top of
// book, used by the convergence tracker where no full books are fetched.
func NominalSpreadPct(buyAsk, sellBid decimal.Decimal) decimal.Decimal {
	if !buyAsk.IsPositive() {
		return decimal.Zero
	}
	return sellBid.Sub(buyAsk).Div(buyAsk).Mul(hundred)
}

// SuggestedPositionUSD sizes a position off the binding leg's liquidity:
// half the depth, capped. Callers pass the smaller of entry/exit depth so a
// thin entry book cannot suggest more than the trade could absorb.
func SuggestedPositionUSD(liquidityUSD, hardCapUSD decimal.Decimal) decimal.Decimal {
	half := liquidityUSD.Div(decimal.NewFromInt(2))
	if half.GreaterThan(hardCapUSD) {
		return hardCapUSD
	}
	return half
}
