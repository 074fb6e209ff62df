package session

import (
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/quantfall/deriva/errs"
	"github.com/quantfall/deriva/internal/schema"
)

// Wire payloads follow the venue's field names. Conversion into schema types
// happens here and nowhere else.

type bookPayload struct {
	InstrumentName string      `json:"instrument_name"`
	Bids           [][]float64 `json:"bids"`
	Asks           [][]float64 `json:"asks"`
	Timestamp      int64       `json:"timestamp"`
}

type tradePayload struct {
	InstrumentName string  `json:"instrument_name"`
	Price          float64 `json:"price"`
	Amount         float64 `json:"amount"`
	Direction      string  `json:"direction"`
	Timestamp      int64   `json:"timestamp"`
}

type tickerPayload struct {
	InstrumentName string  `json:"instrument_name"`
	LastPrice      float64 `json:"last_price"`
	Stats          struct {
		Volume float64 `json:"volume"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
	} `json:"stats"`
	Timestamp int64 `json:"timestamp"`
}

type orderPayload struct {
	OrderID        string  `json:"order_id"`
	Label          string  `json:"label"`
	InstrumentName string  `json:"instrument_name"`
	Direction      string  `json:"direction"`
	Amount         float64 `json:"amount"`
	Price          float64 `json:"price"`
	OrderType      string  `json:"order_type"`
	OrderState     string  `json:"order_state"`
	FilledAmount   float64 `json:"filled_amount"`
	AveragePrice   float64 `json:"average_price"`
}

type fillPayload struct {
	TradeID        string  `json:"trade_id"`
	OrderID        string  `json:"order_id"`
	InstrumentName string  `json:"instrument_name"`
	Price          float64 `json:"price"`
	Amount         float64 `json:"amount"`
	Direction      string  `json:"direction"`
	ProfitLoss     float64 `json:"profit_loss"`
	Timestamp      int64   `json:"timestamp"`
}

// changesPayload is the combined user.changes push: fills, the orders they
// touched, and the resulting positions in one frame.
type changesPayload struct {
	Trades    []fillPayload     `json:"trades"`
	Orders    []orderPayload    `json:"orders"`
	Positions []positionPayload `json:"positions"`
}

type positionPayload struct {
	InstrumentName    string  `json:"instrument_name"`
	Size              float64 `json:"size"`
	AveragePrice      float64 `json:"average_price"`
	MarkPrice         float64 `json:"mark_price"`
	LiquidationPrice  float64 `json:"estimated_liquidation_price"`
	UnrealizedPnl     float64 `json:"floating_profit_loss"`
	RealizedPnl       float64 `json:"realized_profit_loss"`
	Leverage          float64 `json:"leverage"`
	InitialMargin     float64 `json:"initial_margin"`
	MaintenanceMargin float64 `json:"maintenance_margin"`
}

// channelInstrument extracts the instrument segment from channel names of the
// form prefix.INSTRUMENT.interval.
func channelInstrument(channel string) string {
	parts := strings.Split(channel, ".")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func parseTime(ms int64, fallback time.Time) time.Time {
	if ms <= 0 {
		return fallback
	}
	return time.UnixMilli(ms)
}

func decodeBook(channel string, data json.RawMessage, now time.Time) (*schema.OrderBook, error) {
	var payload bookPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errs.New("session", errs.CodeInvalid,
			errs.WithMessage("malformed book payload"), errs.WithCause(err))
	}

	instrument := payload.InstrumentName
	if instrument == "" {
		instrument = channelInstrument(channel)
	}
	if instrument == "" {
		return nil, errs.New("session", errs.CodeInvalid,
			errs.WithMessage("book payload without instrument"))
	}

	observed := parseTime(payload.Timestamp, now)
	book := &schema.OrderBook{
		Instrument: instrument,
		Bids:       make([]schema.Level, 0, len(payload.Bids)),
		Asks:       make([]schema.Level, 0, len(payload.Asks)),
		ObservedAt: observed,
	}
	for _, bid := range payload.Bids {
		if len(bid) < 2 {
			continue
		}
		book.Bids = append(book.Bids, schema.Level{Price: bid[0], Size: bid[1], ObservedAt: observed})
	}
	for _, ask := range payload.Asks {
		if len(ask) < 2 {
			continue
		}
		book.Asks = append(book.Asks, schema.Level{Price: ask[0], Size: ask[1], ObservedAt: observed})
	}
	return book, nil
}

// decodeTrades accepts both a single trade object and a batch. The venue
// pushes batches on the throttled channel but single prints show up in
// replayed captures.
func decodeTrades(channel string, data json.RawMessage, now time.Time) ([]schema.Trade, error) {
	trimmed := strings.TrimSpace(string(data))
	var payloads []tradePayload
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &payloads); err != nil {
			return nil, errs.New("session", errs.CodeInvalid,
				errs.WithMessage("malformed trade batch"), errs.WithCause(err))
		}
	} else {
		var single tradePayload
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, errs.New("session", errs.CodeInvalid,
				errs.WithMessage("malformed trade payload"), errs.WithCause(err))
		}
		payloads = []tradePayload{single}
	}

	fallback := channelInstrument(channel)
	trades := make([]schema.Trade, 0, len(payloads))
	for _, p := range payloads {
		instrument := p.InstrumentName
		if instrument == "" {
			instrument = fallback
		}
		if instrument == "" || p.Price <= 0 {
			continue
		}
		trades = append(trades, schema.Trade{
			Instrument: instrument,
			Price:      p.Price,
			Size:       p.Amount,
			Side:       schema.TradeSide(p.Direction),
			ObservedAt: parseTime(p.Timestamp, now),
		})
	}
	return trades, nil
}

func decodeTicker(channel string, data json.RawMessage, now time.Time) (schema.Summary, error) {
	var payload tickerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return schema.Summary{}, errs.New("session", errs.CodeInvalid,
			errs.WithMessage("malformed ticker payload"), errs.WithCause(err))
	}
	instrument := payload.InstrumentName
	if instrument == "" {
		instrument = channelInstrument(channel)
	}
	if instrument == "" {
		return schema.Summary{}, errs.New("session", errs.CodeInvalid,
			errs.WithMessage("ticker payload without instrument"))
	}
	return schema.Summary{
		Instrument: instrument,
		LastPrice:  payload.LastPrice,
		Volume24h:  payload.Stats.Volume,
		High24h:    payload.Stats.High,
		Low24h:     payload.Stats.Low,
		ObservedAt: parseTime(payload.Timestamp, now),
	}, nil
}

// orderFromPayload converts a venue order object, deriving the lifecycle
// state from the declared state plus fill progress.
func orderFromPayload(p orderPayload, now time.Time) *schema.Order {
	return &schema.Order{
		OrderID:      p.OrderID,
		Label:        p.Label,
		Instrument:   p.InstrumentName,
		Side:         schema.TradeSide(p.Direction),
		Size:         p.Amount,
		Price:        p.Price,
		Type:         schema.OrderType(p.OrderType),
		Status:       orderState(p),
		FilledSize:   p.FilledAmount,
		AvgFillPrice: p.AveragePrice,
		UpdatedAt:    now,
	}
}

func orderState(p orderPayload) schema.OrderStatus {
	switch p.OrderState {
	case "open":
		if p.FilledAmount > 0 && p.FilledAmount < p.Amount {
			return schema.OrderStatusPartiallyFilled
		}
		return schema.OrderStatusOpen
	case "filled":
		return schema.OrderStatusFilled
	case "cancelled":
		return schema.OrderStatusCancelled
	case "rejected":
		return schema.OrderStatusRejected
	case "untriggered":
		return schema.OrderStatusPending
	default:
		return schema.OrderStatus(p.OrderState)
	}
}

func positionFromPayload(p positionPayload, now time.Time) schema.Position {
	return schema.Position{
		Instrument:        p.InstrumentName,
		Size:              p.Size,
		AvgEntryPrice:     p.AveragePrice,
		MarkPrice:         p.MarkPrice,
		LiquidationPrice:  p.LiquidationPrice,
		UnrealizedPnl:     p.UnrealizedPnl,
		RealizedPnl:       p.RealizedPnl,
		Leverage:          p.Leverage,
		InitialMargin:     p.InitialMargin,
		MaintenanceMargin: p.MaintenanceMargin,
		ObservedAt:        now,
	}
}

func decodeFills(data json.RawMessage) ([]fillPayload, error) {
	trimmed := strings.TrimSpace(string(data))
	var fills []fillPayload
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &fills); err != nil {
			return nil, errs.New("session", errs.CodeInvalid,
				errs.WithMessage("malformed fill batch"), errs.WithCause(err))
		}
		return fills, nil
	}
	var single fillPayload
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, errs.New("session", errs.CodeInvalid,
			errs.WithMessage("malformed fill payload"), errs.WithCause(err))
	}
	return []fillPayload{single}, nil
}
