package alert

import (
	"fmt"
	"strings"

	"github.com/sawpanic/crossarb/internal/domain"
)

// Message is the outbound payload the messaging channel accepts. Links are
// rendered as an inline keyboard by providers that support one and appended
// as plain URLs otherwise.
type Message struct {
	Text  string
	Links []domain.SignalLink
}

// SendResult reports a delivered message.
type SendResult struct {
	MessageID int64
}

// signalEmoji picks the header marker by signal type.
func signalEmoji(t domain.SignalType) string {
	switch t {
	case domain.SignalLagging:
		return "\U0001F7E1" // yellow circle
	case domain.SignalManual:
		return "\U0001F535" // blue circle
	default:
		return "\U0001F7E2" // green circle
	}
}

// Format renders a signal into the alert text. Plain text with markdown-ish
// emphasis; the Telegram provider escapes it for MarkdownV2 on its side.
func Format(sig domain.ValidatedSignal) Message {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s %s | %s\n", signalEmoji(sig.SignalType), sig.StrategyType, sig.Symbol, strings.ToUpper(string(sig.SignalType)))
	fmt.Fprintf(&b, "%s -> %s\n\n", sig.LowVenue, sig.HighVenue)

	fmt.Fprintf(&b, "Spread: net %s%% (real %s%%, nominal %s%%)\n",
		sig.Spread.NetPct.StringFixed(2), sig.Spread.RealPct.StringFixed(2), sig.Spread.NominalPct.StringFixed(2))
	fmt.Fprintf(&b, "Costs: slippage %s%%, fees %s%%\n",
		sig.Spread.SlippageLossPct.StringFixed(2), sig.Spread.FeesPct.StringFixed(2))
	fmt.Fprintf(&b, "Liquidity: entry $%s / exit $%s (%s)\n",
		sig.Liquidity.EntryUSD.StringFixed(0), sig.Liquidity.ExitUSD.StringFixed(0), sig.Liquidity.DepthStatus)
	fmt.Fprintf(&b, "Size: $%s suggested\n", sig.SuggestedPositionUSD.StringFixed(0))

	if sig.LaggingInfo != nil {
		li := sig.LaggingInfo
		fmt.Fprintf(&b, "Lagging: %s off median %s by %s%% (%d peers)\n",
			li.LaggingVenue, li.MedianPrice.String(), li.DeviationPct.StringFixed(2), li.OtherExchangesCount)
	}

	if len(sig.Actions) > 0 {
		b.WriteString("\n")
		for _, a := range sig.Actions {
			fmt.Fprintf(&b, "%d. %s\n", a.Step, a.Description)
		}
	}

	fmt.Fprintf(&b, "\nid: %s", sig.ID)

	return Message{Text: b.String(), Links: sig.Links}
}
